// Package usagelog is the read side of the credit usage ledger.
package usagelog

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"hackthestudy/internal/domain/model"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var usageColumns = []string{
	"id", "user_id", "session_id", "model", "purpose",
	"input_tokens", "output_tokens", "cost", "cache_hit", "charged", "created_at",
}

// Store queries usage_records over database/sql.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func applyFilter(qb sq.SelectBuilder, f model.UsageFilter) sq.SelectBuilder {
	if f.UserID != "" {
		qb = qb.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.Model != "" {
		qb = qb.Where(sq.Eq{"model": f.Model})
	}
	if f.Since != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *f.Since})
	}
	if f.Until != nil {
		qb = qb.Where(sq.Lt{"created_at": *f.Until})
	}
	return qb
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, f model.UsageFilter) ([]*model.UsageRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	qb := applyFilter(psq.Select(usageColumns...).From("usage_records"), f).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit))
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*model.UsageRecord, 0, limit)
	for rows.Next() {
		var r model.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Model, &r.Purpose,
			&r.InputTokens, &r.OutputTokens, &r.Cost, &r.CacheHit, &r.Charged, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

// Summarize aggregates the filtered records. Cost counts charged records only.
func (s *Store) Summarize(ctx context.Context, f model.UsageFilter) (*model.UsageSummary, error) {
	qb := applyFilter(psq.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(input_tokens), 0)",
		"COALESCE(SUM(output_tokens), 0)",
		"COALESCE(SUM(CASE WHEN charged THEN cost ELSE 0 END), 0)",
	).From("usage_records"), f)
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building usage summary: %w", err)
	}

	var sum model.UsageSummary
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.Calls, &sum.CacheHits, &sum.InputTokens, &sum.OutputTokens, &sum.Cost,
	); err != nil {
		return nil, fmt.Errorf("summarizing usage: %w", err)
	}
	return &sum, nil
}
