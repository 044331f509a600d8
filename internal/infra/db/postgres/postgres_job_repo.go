package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

func (r *jobRepo) Enqueue(ctx context.Context, tx repository.Tx, job *model.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO jobs (id, session_id, user_id, status, attempts, last_error, options, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9);`
	_, err = execSQL(ctx, r.pool, tx, q,
		job.ID, job.SessionID, job.UserID, string(job.Status), job.Attempts, job.LastError, opts, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job) error {
	job.UpdatedAt = time.Now()
	const q = `
UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = $5
 WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, job.ID, string(job.Status), job.Attempts, job.LastError, job.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimNext locks the oldest pending job with SKIP LOCKED so concurrent
// workers never claim the same row.
func (r *jobRepo) ClaimNext(ctx context.Context) (*model.Job, error) {
	var job *model.Job

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetchQuery = `
SELECT ` + jobColumns + `
  FROM jobs
 WHERE status = 'pending'
 ORDER BY created_at
 LIMIT 1
 FOR UPDATE SKIP LOCKED;`
		row, err := pickRow(ctx, r.pool, tx, fetchQuery)
		if err != nil {
			return err
		}
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		j.Status = model.JobStatusProcessing
		j.Attempts++
		if err := r.Save(ctx, tx, j); err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (r *jobRepo) HasOpenJob(ctx context.Context, tx repository.Tx, sessionID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM jobs WHERE session_id = $1 AND status IN ('pending', 'processing'));`
	row, err := pickRow(ctx, r.pool, tx, q, sessionID)
	if err != nil {
		return false, err
	}
	var open bool
	if err := row.Scan(&open); err != nil {
		return false, scanErr(err)
	}
	return open, nil
}

func (r *jobRepo) Touch(ctx context.Context, tx repository.Tx, jobID string, at time.Time) error {
	_, err := execSQL(ctx, r.pool, tx, `UPDATE jobs SET updated_at = $2 WHERE id = $1 AND status = 'processing';`, jobID, at)
	return err
}

func (r *jobRepo) FailProcessing(ctx context.Context, tx repository.Tx, sessionID, reason string) (int64, error) {
	const q = `
UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
 WHERE session_id = $1 AND status = 'processing';`
	tag, err := execSQL(ctx, r.pool, tx, q, sessionID, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *jobRepo) ListOrphaned(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + `
  FROM jobs
 WHERE status = 'processing' AND updated_at < $1
 ORDER BY updated_at
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *jobRepo) RequeueOrphaned(ctx context.Context, tx repository.Tx, jobID string, cutoff time.Time) (bool, error) {
	const q = `
UPDATE jobs SET status = 'pending', last_error = 'worker lost', updated_at = NOW()
 WHERE id = $1 AND status = 'processing' AND updated_at < $2;`
	tag, err := execSQL(ctx, r.pool, tx, q, jobID, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const jobColumns = `id, session_id, COALESCE(user_id, ''), status, attempts, last_error, options, created_at, updated_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j      model.Job
		status string
		opts   []byte
	)
	if err := row.Scan(&j.ID, &j.SessionID, &j.UserID, &status, &j.Attempts, &j.LastError, &opts, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	j.Status = model.JobStatus(status)
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &j.Options); err != nil {
			return nil, errors.Join(domain.ErrReadDatabaseRow, err)
		}
	}
	return &j, nil
}
