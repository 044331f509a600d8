package repository

import (
	"context"
	"time"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
)

// -----------------------------
// Sessions & uploaded files
// -----------------------------

type SessionRepository interface {
	Create(ctx context.Context, tx Tx, s *model.Session) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Session, error)

	AddFiles(ctx context.Context, tx Tx, files []*model.UploadedFile) error
	ListFiles(ctx context.Context, tx Tx, sessionID string) ([]*model.UploadedFile, error)
	CountFiles(ctx context.Context, tx Tx, sessionID string) (int, error)
	UpdateFileStatus(ctx context.Context, tx Tx, fileID string, status model.ExtractionStatus, errMsg string) error

	SetPendingReanalysis(ctx context.Context, tx Tx, sessionID string, pending bool) error
	// MarkStarted records the lease owner token and clears pending_reanalysis.
	MarkStarted(ctx context.Context, tx Tx, sessionID, ownerToken string) error
	UpdateState(ctx context.Context, tx Tx, sessionID string, state model.JobState) error
	SaveMergedText(ctx context.Context, tx Tx, sessionID, text string) error
	UpdateHeartbeat(ctx context.Context, tx Tx, sessionID, ownerToken string, at time.Time) error
	IncrementRetry(ctx context.Context, tx Tx, sessionID string) (int, error)
	// MarkFailed records the terminal error. An empty ownerToken skips fencing.
	MarkFailed(ctx context.Context, tx Tx, sessionID, ownerToken string, jerr *domain.JobError) error
	// MarkCompleted is fenced by ownerToken and returns domain.ErrLeaseLost when
	// the session is no longer owned by the caller.
	MarkCompleted(ctx context.Context, tx Tx, sessionID, ownerToken string) error

	// ListStale returns active sessions whose heartbeat is older than cutoff.
	ListStale(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Session, error)
	// FailStale fails a stalled session only if it is still active and stale.
	FailStale(ctx context.Context, tx Tx, sessionID string, cutoff time.Time, jerr *domain.JobError) (bool, error)
	DeleteExpired(ctx context.Context, tx Tx, olderThan time.Time) (int64, error)
}
