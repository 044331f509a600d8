package usecase

import (
	"context"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

// Compile-time check
var _ CreditUseCase = (*creditUC)(nil)

type CreditUseCase interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Charge(ctx context.Context, userID string, amount int64) (*model.ChargeResult, error)
	Grant(ctx context.Context, userID string, amount int64) (int64, error)
	Usage(ctx context.Context, f model.UsageFilter) ([]*model.UsageRecord, *model.UsageSummary, error)
}

type creditUC struct {
	ledger *CreditLedger
	usage  repository.UsageQueryRepository
}

func NewCreditUseCase(ledger *CreditLedger, usage repository.UsageQueryRepository) *creditUC {
	return &creditUC{ledger: ledger, usage: usage}
}

func (c *creditUC) GetBalance(ctx context.Context, userID string) (int64, error) {
	return c.ledger.Balance(ctx, userID)
}

func (c *creditUC) Charge(ctx context.Context, userID string, amount int64) (*model.ChargeResult, error) {
	return c.ledger.Charge(ctx, userID, amount)
}

func (c *creditUC) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	return c.ledger.Grant(ctx, userID, amount)
}

func (c *creditUC) Usage(ctx context.Context, f model.UsageFilter) ([]*model.UsageRecord, *model.UsageSummary, error) {
	if f.UserID == "" {
		return nil, nil, domain.ErrInvalidArgument
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	recs, err := c.usage.List(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	sum, err := c.usage.Summarize(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return recs, sum, nil
}
