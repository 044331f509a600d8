package model

import "time"

// CachedCompletion is the normalized response stored under a request hash.
type CachedCompletion struct {
	Model        string    `json:"model"`
	Text         string    `json:"text"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	StoredAt     time.Time `json:"stored_at"`
}
