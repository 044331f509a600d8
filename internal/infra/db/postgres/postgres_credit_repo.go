package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4/pgxpool"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var _ repository.CreditRepository = (*creditRepo)(nil)

type creditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *creditRepo {
	return &creditRepo{pool: pool}
}

func (r *creditRepo) GetBalance(ctx context.Context, tx repository.Tx, userID string) (int64, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT balance FROM credit_accounts WHERE user_id = $1;`, userID)
	if err != nil {
		return 0, err
	}
	var bal int64
	if err := row.Scan(&bal); err != nil {
		return 0, scanErr(err)
	}
	return bal, nil
}

// Deduct is a single conditional UPDATE, so concurrent debits can never
// take the balance below zero.
func (r *creditRepo) Deduct(ctx context.Context, tx repository.Tx, userID string, amount int64) (int64, bool, error) {
	const q = `
UPDATE credit_accounts
   SET balance = balance - $2, updated_at = NOW()
 WHERE user_id = $1 AND balance >= $2
RETURNING balance;`
	row, err := pickRow(ctx, r.pool, tx, q, userID, amount)
	if err != nil {
		return 0, false, err
	}
	var remaining int64
	err = row.Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if err = scanErr(err); !errors.Is(err, domain.ErrNotFound) {
		return 0, false, err
	}

	bal, err := r.GetBalance(ctx, tx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal, false, nil
}

func (r *creditRepo) Grant(ctx context.Context, tx repository.Tx, userID string, amount int64) (int64, error) {
	const q = `
INSERT INTO credit_accounts (user_id, balance, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE SET
  balance = credit_accounts.balance + EXCLUDED.balance,
  updated_at = NOW()
RETURNING balance;`
	row, err := pickRow(ctx, r.pool, tx, q, userID, amount)
	if err != nil {
		return 0, err
	}
	var bal int64
	if err := row.Scan(&bal); err != nil {
		return 0, scanErr(err)
	}
	return bal, nil
}

func (r *creditRepo) AppendUsage(ctx context.Context, tx repository.Tx, rec *model.UsageRecord) (bool, error) {
	const q = `
INSERT INTO usage_records (id, user_id, session_id, model, purpose, input_tokens, output_tokens, cost, cache_hit, charged, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
ON CONFLICT (id) DO NOTHING;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		rec.ID, rec.UserID, rec.SessionID, rec.Model, rec.Purpose, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.CacheHit, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *creditRepo) MarkCharged(ctx context.Context, tx repository.Tx, recordID string) error {
	tag, err := execSQL(ctx, r.pool, tx, `UPDATE usage_records SET charged = TRUE WHERE id = $1;`, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *creditRepo) IsCharged(ctx context.Context, tx repository.Tx, recordID string) (bool, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT charged FROM usage_records WHERE id = $1;`, recordID)
	if err != nil {
		return false, err
	}
	var charged bool
	if err := row.Scan(&charged); err != nil {
		if err = scanErr(err); errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return charged, nil
}
