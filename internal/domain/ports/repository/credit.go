package repository

import (
	"context"

	"hackthestudy/internal/domain/model"
)

type CreditRepository interface {
	GetBalance(ctx context.Context, tx Tx, userID string) (int64, error)
	// Deduct decrements the balance only if it covers amount. ok=false leaves
	// the balance unchanged and returns the current balance.
	Deduct(ctx context.Context, tx Tx, userID string, amount int64) (remaining int64, ok bool, err error)
	Grant(ctx context.Context, tx Tx, userID string, amount int64) (int64, error)

	// AppendUsage inserts the record once; inserted=false means the id already exists.
	AppendUsage(ctx context.Context, tx Tx, rec *model.UsageRecord) (inserted bool, err error)
	MarkCharged(ctx context.Context, tx Tx, recordID string) error
	IsCharged(ctx context.Context, tx Tx, recordID string) (bool, error)
}

// UsageQueryRepository is the read side of the usage log.
type UsageQueryRepository interface {
	List(ctx context.Context, f model.UsageFilter) ([]*model.UsageRecord, error)
	Summarize(ctx context.Context, f model.UsageFilter) (*model.UsageSummary, error)
}
