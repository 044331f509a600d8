package repository

import (
	"context"
	"time"

	"hackthestudy/internal/domain/model"
)

type JobRepository interface {
	Enqueue(ctx context.Context, tx Tx, job *model.Job) error
	Save(ctx context.Context, tx Tx, job *model.Job) error
	// ClaimNext atomically fetches the oldest pending job and marks it as 'processing'.
	// This prevents other workers from picking up the same job.
	ClaimNext(ctx context.Context) (*model.Job, error)
	HasOpenJob(ctx context.Context, tx Tx, sessionID string) (bool, error)
	// Touch refreshes updated_at of a processing job so it is not taken for an orphan.
	Touch(ctx context.Context, tx Tx, jobID string, at time.Time) error
	// FailProcessing fails every processing job of a session and returns how many.
	FailProcessing(ctx context.Context, tx Tx, sessionID, reason string) (int64, error)
	// ListOrphaned returns processing jobs not touched since cutoff.
	ListOrphaned(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Job, error)
	// RequeueOrphaned puts a processing job back to pending if it is still
	// untouched since cutoff.
	RequeueOrphaned(ctx context.Context, tx Tx, jobID string, cutoff time.Time) (bool, error)
}
