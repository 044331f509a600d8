package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
)

// CreditLedger is the only component allowed to change a balance. Every
// debit goes through the repository's conditional decrement.
type CreditLedger struct {
	credits repository.CreditRepository
	tx      repository.TransactionManager
	log     *zerolog.Logger
}

func NewCreditLedger(credits repository.CreditRepository, tx repository.TransactionManager, logger *zerolog.Logger) *CreditLedger {
	return &CreditLedger{credits: credits, tx: tx, log: logger}
}

func (l *CreditLedger) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, domain.ErrInvalidArgument
	}
	bal, err := l.credits.GetBalance(ctx, repository.NoTX, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	return bal, err
}

// CheckAvailable is a read-only pre-flight gate. Anonymous callers are not
// metered and always pass.
func (l *CreditLedger) CheckAvailable(ctx context.Context, userID string, cost int64) (bool, int64, error) {
	if userID == "" {
		return true, 0, nil
	}
	bal, err := l.credits.GetBalance(ctx, repository.NoTX, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return cost <= 0, 0, nil
		}
		return false, 0, fmt.Errorf("%w: read balance: %w", domain.ErrPersistence, err)
	}
	return bal >= cost, bal, nil
}

// Require is CheckAvailable returning an InsufficientCreditsError.
func (l *CreditLedger) Require(ctx context.Context, userID string, cost int64) error {
	ok, bal, err := l.CheckAvailable(ctx, userID, cost)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.InsufficientCreditsError{Required: cost, Available: bal}
	}
	return nil
}

// Charge is the boundary debit. An insufficient balance is a normal result.
func (l *CreditLedger) Charge(ctx context.Context, userID string, amount int64) (*model.ChargeResult, error) {
	if userID == "" || amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	remaining, ok, err := l.credits.Deduct(ctx, repository.NoTX, userID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.ObserveCharge("insufficient", amount)
			return &model.ChargeResult{OK: false, Required: amount, Available: 0}, nil
		}
		return nil, err
	}
	if !ok {
		metrics.ObserveCharge("insufficient", amount)
		return &model.ChargeResult{OK: false, Required: amount, Available: remaining}, nil
	}
	metrics.ObserveCharge("ok", amount)
	return &model.ChargeResult{OK: true, Remaining: remaining}, nil
}

func (l *CreditLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, domain.ErrInvalidArgument
	}
	return l.credits.Grant(ctx, repository.NoTX, userID, amount)
}

// Record appends the usage entry and debits its cost in one transaction.
// Replaying the same record never debits twice. When the balance cannot
// cover the cost the entry is kept uncharged and an
// InsufficientCreditsError is returned. Store failures wrap ErrPersistence.
func (l *CreditLedger) Record(ctx context.Context, rec *model.UsageRecord) (int64, error) {
	var (
		remaining    int64
		insufficient *domain.InsufficientCreditsError
		duplicate    bool
	)
	err := l.tx.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		inserted, err := l.credits.AppendUsage(ctx, tx, rec)
		if err != nil {
			return fmt.Errorf("append usage: %w", err)
		}
		if !inserted {
			charged, err := l.credits.IsCharged(ctx, tx, rec.ID)
			if err != nil {
				return err
			}
			if charged {
				duplicate = true
				return nil
			}
		}
		if rec.UserID == "" || rec.Cost <= 0 {
			return nil
		}

		rem, ok, err := l.credits.Deduct(ctx, tx, rec.UserID, rec.Cost)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("deduct: %w", err)
		}
		if !ok {
			insufficient = &domain.InsufficientCreditsError{Required: rec.Cost, Available: rem}
			return nil
		}
		remaining = rem
		rec.Charged = true
		return l.credits.MarkCharged(ctx, tx, rec.ID)
	})
	switch {
	case err != nil:
		return 0, fmt.Errorf("%w: record usage: %w", domain.ErrPersistence, err)
	case duplicate:
		metrics.ObserveCharge("duplicate", rec.Cost)
		return 0, nil
	case insufficient != nil:
		metrics.ObserveCharge("insufficient", rec.Cost)
		l.log.Warn().Str("user_id", rec.UserID).Str("session_id", rec.SessionID).
			Int64("required", insufficient.Required).Int64("available", insufficient.Available).
			Msg("usage recorded but not charged")
		return 0, insufficient
	}
	if rec.Charged {
		metrics.ObserveCharge("ok", rec.Cost)
	}
	return remaining, nil
}
