package repository

import (
	"context"
	"time"

	"hackthestudy/internal/domain/model"
)

// LeaseManager is the distributed per-session lock.
type LeaseManager interface {
	// Acquire never blocks; it returns domain.ErrLockConflict if held.
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (*model.Lease, error)
	Renew(ctx context.Context, sessionID, ownerToken string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID, ownerToken string) (bool, error)
	// Holder returns nil when no lease exists.
	Holder(ctx context.Context, sessionID string) (*model.Lease, error)
	ForceExpire(ctx context.Context, sessionID string) error
}

// StatusStore mirrors status/progress/error/heartbeat in the KV store.
type StatusStore interface {
	Publish(ctx context.Context, st model.SessionStatus) error
	Get(ctx context.Context, sessionID string) (*model.SessionStatus, error)
	Heartbeat(ctx context.Context, sessionID string, at time.Time) error
	LastHeartbeat(ctx context.Context, sessionID string) (time.Time, bool, error)
	Purge(ctx context.Context, sessionID string) error
}

// ResponseCache stores LLM completions by request hash.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*model.CachedCompletion, error)
	Set(ctx context.Context, key string, c *model.CachedCompletion) error
}

// RateLimiter counts events per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
