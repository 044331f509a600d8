package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"hackthestudy/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*StubAI)(nil)

// StubAI answers generation prompts offline with documents derived from the
// material in the prompt. It backs the "stub" provider for local runs and
// end-to-end tests.
type StubAI struct {
	tok adapter.Tokenizer
}

func NewStubAI(tok adapter.Tokenizer) *StubAI {
	if tok == nil {
		tok = NewHeuristicTokenizer()
	}
	return &StubAI{tok: tok}
}

var (
	countRe    = regexp.MustCompile(`(?:Write|up to) (\d+)`)
	sentenceRe = regexp.MustCompile(`[^.!?\n]{12,}[.!?]`)
	wordRe     = regexp.MustCompile(`[\p{L}]{5,}`)
)

func (s *StubAI) CountTokens(_ context.Context, model string, messages []adapter.Message) (int, error) {
	return countMessages(s.tok, model, messages), nil
}

func (s *StubAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message, _ adapter.ChatOptions) (string, adapter.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", adapter.Usage{}, err
	}
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}
	material := user
	if i := strings.Index(user, "Material:\n"); i >= 0 {
		material = user[i+len("Material:\n"):]
	}
	n := 5
	if m := countRe.FindStringSubmatch(user); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			n = v
		}
	}

	var doc any
	switch {
	case strings.Contains(system, `"main_topic"`):
		doc = stubTopics(material, n)
	case strings.Contains(system, `"flashcards"`):
		doc = stubFlashcards(material, n)
	case strings.Contains(system, `"questions"`):
		doc = stubQuestions(material, n)
	default:
		doc = map[string]string{"text": "ok"}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", adapter.Usage{}, err
	}
	out := string(b)
	in := countMessages(s.tok, model, messages)
	o := s.tok.Count(model, out)
	return out, adapter.Usage{PromptTokens: in, CompletionTokens: o, TotalTokens: in + o}, nil
}

func stubSentences(text string) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); !strings.HasPrefix(s, "#") {
			out = append(out, s)
		}
	}
	return out
}

func stubWords(text string) []string {
	counts := map[string]int{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		counts[w]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	return words
}

func stubTopics(text string, n int) map[string]any {
	words := stubWords(text)
	if len(words) == 0 {
		words = []string{"material"}
	}
	subs := []map[string]string{}
	rels := []map[string]string{}
	for i, w := range words[1:] {
		if i == n {
			break
		}
		subs = append(subs, map[string]string{"name": w, "description": "Covers " + w + "."})
		if i > 0 {
			rels = append(rels, map[string]string{"from": words[i], "to": w})
		}
	}
	return map[string]any{
		"main_topic": map[string]string{"name": words[0], "description": "Study notes on " + words[0] + "."},
		"subtopics":  subs,
		"relations":  rels,
	}
}

func stubFlashcards(text string, n int) map[string]any {
	cards := []map[string]string{}
	for i, s := range stubSentences(text) {
		if i == n {
			break
		}
		words := strings.Fields(s)
		cards = append(cards, map[string]string{
			"question": fmt.Sprintf("Complete: %s ...", strings.Join(words[:(len(words)+1)/2], " ")),
			"answer":   s,
		})
	}
	return map[string]any{"flashcards": cards}
}

func stubQuestions(text string, n int) map[string]any {
	words := stubWords(text)
	qs := []map[string]any{}
	for i, s := range stubSentences(text) {
		if i == n {
			break
		}
		opts := []string{"true", "false"}
		qs = append(qs, map[string]any{
			"text":          fmt.Sprintf("Is this stated in the material: %q?", s),
			"options":       opts,
			"correct_index": 0,
			"explanation":   s,
		})
		if len(words) > 3 && i%2 == 1 {
			qs[len(qs)-1]["text"] = fmt.Sprintf("Which term is the most frequent in the material (%d)?", i)
			qs[len(qs)-1]["options"] = []string{words[0], words[1], words[2], words[3]}
		}
	}
	return map[string]any{"questions": qs}
}
