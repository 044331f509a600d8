package repository

import (
	"context"

	"hackthestudy/internal/domain/model"
)

type ResultRepository interface {
	// Replace deletes every stored artifact of the session and inserts res.
	Replace(ctx context.Context, tx Tx, res *model.GenerationResult) error
	Load(ctx context.Context, tx Tx, sessionID string) (*model.GenerationResult, error)
}
