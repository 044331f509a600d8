package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*sessionRepo)(nil)

type sessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *sessionRepo {
	return &sessionRepo{pool: pool}
}

const sessionColumns = `
id, COALESCE(user_id, ''), status, merged_text, pending_reanalysis, COALESCE(owner_token, ''),
retry_count, error_code, error_message, error_required, error_available,
created_at, started_at, heartbeat_at, completed_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var status string
	if err := row.Scan(
		&s.ID, &s.UserID, &status, &s.MergedText, &s.PendingReanalysis, &s.OwnerToken,
		&s.RetryCount, &s.ErrorCode, &s.ErrorMessage, &s.ErrorRequired, &s.ErrorAvailable,
		&s.CreatedAt, &s.StartedAt, &s.HeartbeatAt, &s.CompletedAt,
	); err != nil {
		return nil, scanErr(err)
	}
	s.Status = model.JobState(status)
	return &s, nil
}

func (r *sessionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO sessions (id, user_id, status, created_at)
VALUES ($1, NULLIF($2, ''), $3, $4);`
	_, err := execSQL(ctx, r.pool, tx, q, s.ID, s.UserID, string(s.Status), s.CreatedAt)
	return err
}

func (r *sessionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Session, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanSession(row)
}

func (r *sessionRepo) AddFiles(ctx context.Context, tx repository.Tx, files []*model.UploadedFile) error {
	const q = `
INSERT INTO uploaded_files (id, session_id, name, mime_type, content, extraction_status, extraction_error, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	for _, f := range files {
		if _, err := execSQL(ctx, r.pool, tx, q,
			f.ID, f.SessionID, f.Name, f.MimeType, f.Content, string(f.ExtractionStatus), f.ExtractionError, f.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *sessionRepo) ListFiles(ctx context.Context, tx repository.Tx, sessionID string) ([]*model.UploadedFile, error) {
	const q = `
SELECT id, session_id, name, mime_type, content, extraction_status, extraction_error, created_at
  FROM uploaded_files
 WHERE session_id = $1
 ORDER BY created_at, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UploadedFile
	for rows.Next() {
		var f model.UploadedFile
		var status string
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Name, &f.MimeType, &f.Content, &status, &f.ExtractionError, &f.CreatedAt); err != nil {
			return nil, scanErr(err)
		}
		f.ExtractionStatus = model.ExtractionStatus(status)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (r *sessionRepo) CountFiles(ctx context.Context, tx repository.Tx, sessionID string) (int, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT COUNT(*) FROM uploaded_files WHERE session_id = $1;`, sessionID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, scanErr(err)
	}
	return n, nil
}

func (r *sessionRepo) UpdateFileStatus(ctx context.Context, tx repository.Tx, fileID string, status model.ExtractionStatus, errMsg string) error {
	const q = `UPDATE uploaded_files SET extraction_status = $2, extraction_error = $3 WHERE id = $1;`
	return r.execOne(ctx, tx, q, fileID, string(status), errMsg)
}

func (r *sessionRepo) SetPendingReanalysis(ctx context.Context, tx repository.Tx, sessionID string, pending bool) error {
	return r.execOne(ctx, tx, `UPDATE sessions SET pending_reanalysis = $2 WHERE id = $1;`, sessionID, pending)
}

func (r *sessionRepo) MarkStarted(ctx context.Context, tx repository.Tx, sessionID, ownerToken string) error {
	const q = `
UPDATE sessions
   SET owner_token = $2,
       pending_reanalysis = FALSE,
       retry_count = 0,
       started_at = NOW(),
       heartbeat_at = NOW(),
       completed_at = NULL,
       error_code = '', error_message = '', error_required = 0, error_available = 0
 WHERE id = $1;`
	return r.execOne(ctx, tx, q, sessionID, ownerToken)
}

func (r *sessionRepo) UpdateState(ctx context.Context, tx repository.Tx, sessionID string, state model.JobState) error {
	return r.execOne(ctx, tx, `UPDATE sessions SET status = $2 WHERE id = $1;`, sessionID, string(state))
}

func (r *sessionRepo) SaveMergedText(ctx context.Context, tx repository.Tx, sessionID, text string) error {
	return r.execOne(ctx, tx, `UPDATE sessions SET merged_text = $2 WHERE id = $1;`, sessionID, text)
}

// UpdateHeartbeat is a no-op for a caller that no longer owns the session.
func (r *sessionRepo) UpdateHeartbeat(ctx context.Context, tx repository.Tx, sessionID, ownerToken string, at time.Time) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE sessions SET heartbeat_at = $3 WHERE id = $1 AND owner_token = $2;`, sessionID, ownerToken, at)
	return err
}

func (r *sessionRepo) IncrementRetry(ctx context.Context, tx repository.Tx, sessionID string) (int, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`UPDATE sessions SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count;`, sessionID)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, scanErr(err)
	}
	return n, nil
}

func (r *sessionRepo) MarkFailed(ctx context.Context, tx repository.Tx, sessionID, ownerToken string, jerr *domain.JobError) error {
	const q = `
UPDATE sessions
   SET status = 'FAILED', owner_token = NULL,
       error_code = $3, error_message = $4, error_required = $5, error_available = $6
 WHERE id = $1 AND ($2 = '' OR owner_token = $2);`
	tag, err := execSQL(ctx, r.pool, tx, q, sessionID, ownerToken, jerr.Code, jerr.Message, jerr.Required, jerr.Available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if ownerToken != "" {
			return domain.ErrLeaseLost
		}
		return domain.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) MarkCompleted(ctx context.Context, tx repository.Tx, sessionID, ownerToken string) error {
	const q = `
UPDATE sessions
   SET status = 'COMPLETED', owner_token = NULL, completed_at = NOW(), retry_count = 0
 WHERE id = $1 AND owner_token = $2;`
	tag, err := execSQL(ctx, r.pool, tx, q, sessionID, ownerToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

const activeStates = `('LOCK_WAIT', 'EXTRACTING', 'ESTIMATING', 'GENERATING', 'PERSISTING', 'RETRYING')`

func (r *sessionRepo) ListStale(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Session, error) {
	q := `SELECT ` + sessionColumns + `
  FROM sessions
 WHERE status IN ` + activeStates + `
   AND COALESCE(heartbeat_at, started_at, created_at) < $1
 ORDER BY heartbeat_at NULLS FIRST
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) FailStale(ctx context.Context, tx repository.Tx, sessionID string, cutoff time.Time, jerr *domain.JobError) (bool, error) {
	q := `
UPDATE sessions
   SET status = 'FAILED', owner_token = NULL, error_code = $3, error_message = $4
 WHERE id = $1
   AND status IN ` + activeStates + `
   AND COALESCE(heartbeat_at, started_at, created_at) < $2;`
	tag, err := execSQL(ctx, r.pool, tx, q, sessionID, cutoff, jerr.Code, jerr.Message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, tx repository.Tx, olderThan time.Time) (int64, error) {
	const q = `
DELETE FROM sessions
 WHERE status IN ('COMPLETED', 'FAILED')
   AND COALESCE(completed_at, heartbeat_at, created_at) < $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *sessionRepo) execOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) error {
	tag, err := execSQL(ctx, r.pool, tx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
