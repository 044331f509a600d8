package adapter

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatOptions are the sampling parameters that also feed the cache key.
type ChatOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	JSONMode    bool    `json:"json_mode"`
}

// AIServiceAdapter is the port for LLM chat. Implementations classify
// failures as domain.ErrTransientLLM or domain.ErrFatalLLM.
type AIServiceAdapter interface {
	// CountTokens must return prompt tokens for the provided messages
	// (best-effort when exact isn't available).
	CountTokens(ctx context.Context, model string, messages []Message) (int, error)

	// ChatWithUsage returns assistant text + usage as reported by the provider.
	ChatWithUsage(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, Usage, error)
}

// Tokenizer counts tokens for plain text.
type Tokenizer interface {
	Count(model, text string) int
}
