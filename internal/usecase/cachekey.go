package usecase

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"hackthestudy/internal/domain/ports/adapter"
)

type cacheKeyPayload struct {
	Model       string            `json:"model"`
	Messages    []adapter.Message `json:"messages"`
	Temperature string            `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	JSONMode    bool              `json:"json_mode"`
}

// RequestKey hashes the semantically relevant request parameters. Role case,
// surrounding whitespace and float formatting do not change the key.
func RequestKey(model string, msgs []adapter.Message, opts adapter.ChatOptions) string {
	p := cacheKeyPayload{
		Model:       strings.ToLower(strings.TrimSpace(model)),
		Messages:    make([]adapter.Message, len(msgs)),
		Temperature: strconv.FormatFloat(opts.Temperature, 'f', 3, 64),
		MaxTokens:   opts.MaxTokens,
		JSONMode:    opts.JSONMode,
	}
	for i, m := range msgs {
		p.Messages[i] = adapter.Message{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: strings.TrimSpace(m.Content),
		}
	}
	b, _ := json.Marshal(p)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
