package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"hackthestudy/internal/domain/ports/adapter"
)

var _ adapter.Tokenizer = (*Tokenizer)(nil)

// Tokenizer counts tokens with tiktoken and falls back to a chars/4
// estimate when no encoding can be loaded (offline hosts, unknown models).
type Tokenizer struct {
	mu       sync.Mutex
	byModel  map[string]*tiktoken.Tiktoken
	disabled bool
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{byModel: map[string]*tiktoken.Tiktoken{}}
}

// NewHeuristicTokenizer never touches tiktoken.
func NewHeuristicTokenizer() *Tokenizer {
	return &Tokenizer{disabled: true}
}

func (t *Tokenizer) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := t.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

func (t *Tokenizer) encoding(model string) *tiktoken.Tiktoken {
	if t.disabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.byModel[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		enc = nil
	}
	t.byModel[model] = enc
	return enc
}

// EstimateTokens is the provider-agnostic chars/4 heuristic.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// per-message framing overhead used by the chat format
const messageOverhead = 4

func countMessages(tok adapter.Tokenizer, model string, msgs []adapter.Message) int {
	total := 0
	for _, m := range msgs {
		if tok != nil {
			total += tok.Count(model, m.Content)
		} else {
			total += EstimateTokens(m.Content)
		}
		total += messageOverhead
	}
	return total
}
