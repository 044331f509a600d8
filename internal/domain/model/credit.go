package model

import (
	"time"

	"github.com/google/uuid"
)

// CreditAccount balance never goes negative.
type CreditAccount struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// UsageRecord is an append-only ledger entry, one per LLM call.
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Model        string    `json:"model"`
	Purpose      string    `json:"purpose,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         int64     `json:"cost"`
	CacheHit     bool      `json:"cache_hit"`
	Charged      bool      `json:"charged"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewUsageRecord(userID, sessionID, model, purpose string, in, out int, cost int64, cacheHit bool) *UsageRecord {
	return &UsageRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionID:    sessionID,
		Model:        model,
		Purpose:      purpose,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         cost,
		CacheHit:     cacheHit,
		CreatedAt:    time.Now(),
	}
}

// ChargeResult is the outcome of an atomic check-then-deduct.
type ChargeResult struct {
	OK        bool  `json:"ok"`
	Remaining int64 `json:"remaining"`
	Required  int64 `json:"required,omitempty"`
	Available int64 `json:"available,omitempty"`
}

type UsageFilter struct {
	UserID    string
	SessionID string
	Model     string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

type UsageSummary struct {
	Calls        int64 `json:"calls"`
	CacheHits    int64 `json:"cache_hits"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Cost         int64 `json:"cost"`
}
