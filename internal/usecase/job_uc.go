package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

// JobUseCase is the boundary for submitting work and reading its outcome.
type JobUseCase interface {
	SubmitJob(ctx context.Context, req SubmitRequest) (*model.SubmitResult, error)
	GetStatus(ctx context.Context, sessionID string) (*model.SessionStatus, error)
	GetResult(ctx context.Context, sessionID string) (*model.GenerationResult, error)
}

type FileUpload struct {
	Name     string
	MimeType string
	Content  []byte
}

type SubmitRequest struct {
	SessionID string // generated when empty
	UserID    string // optional
	Files     []FileUpload
	Options   model.JobOptions
}

type SubmitPolicy struct {
	MaxFiles         int
	MaxFileBytes     int64
	SubmitsPerMinute int
	DefaultModel     string
}

type jobUC struct {
	sessions repository.SessionRepository
	jobs     repository.JobRepository
	results  repository.ResultRepository
	leases   repository.LeaseManager
	status   repository.StatusStore
	limiter  repository.RateLimiter
	tx       repository.TransactionManager
	policy   SubmitPolicy
	log      *zerolog.Logger
}

func NewJobUseCase(
	sessions repository.SessionRepository,
	jobs repository.JobRepository,
	results repository.ResultRepository,
	leases repository.LeaseManager,
	status repository.StatusStore,
	limiter repository.RateLimiter,
	tx repository.TransactionManager,
	policy SubmitPolicy,
	logger *zerolog.Logger,
) *jobUC {
	if policy.MaxFiles <= 0 || policy.MaxFiles > model.MaxFilesPerSession {
		policy.MaxFiles = model.MaxFilesPerSession
	}
	return &jobUC{
		sessions: sessions,
		jobs:     jobs,
		results:  results,
		leases:   leases,
		status:   status,
		limiter:  limiter,
		tx:       tx,
		policy:   policy,
		log:      logger,
	}
}

// SubmitJob stores the files and queues a job. When another worker holds the
// session lease the files join the running session's set and the session is
// flagged for reanalysis instead; no second generation pass starts.
func (u *jobUC) SubmitJob(ctx context.Context, req SubmitRequest) (*model.SubmitResult, error) {
	if err := u.validate(req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.UserID != "" && u.limiter != nil && u.policy.SubmitsPerMinute > 0 {
		ok, err := u.limiter.Allow(ctx, submitRateKey(req.UserID), u.policy.SubmitsPerMinute, time.Minute)
		if err != nil {
			u.log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			return nil, domain.ErrRateLimited
		}
	}
	if req.Options.Model == "" {
		req.Options.Model = u.policy.DefaultModel
	}

	var created bool
	err := u.tx.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		s, err := u.sessions.FindByID(ctx, tx, req.SessionID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s, err = model.NewSession(req.SessionID, req.UserID)
			if err != nil {
				return err
			}
			if err := u.sessions.Create(ctx, tx, s); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		case req.UserID != "" && s.UserID != "" && s.UserID != req.UserID:
			return fmt.Errorf("%w: session belongs to another user", domain.ErrInvalidArgument)
		}

		n, err := u.sessions.CountFiles(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}
		if n+len(req.Files) > u.policy.MaxFiles {
			return fmt.Errorf("%w: session has %d file(s), limit is %d", domain.ErrTooManyFiles, n, u.policy.MaxFiles)
		}
		files := make([]*model.UploadedFile, 0, len(req.Files))
		for _, f := range req.Files {
			files = append(files, model.NewUploadedFile(req.SessionID, f.Name, f.MimeType, f.Content))
		}
		return u.sessions.AddFiles(ctx, tx, files)
	})
	if err != nil {
		return nil, err
	}

	out := &model.SubmitResult{SessionID: req.SessionID, Accepted: true}
	if !created {
		holder, err := u.leases.Holder(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if holder != nil {
			if err := u.sessions.SetPendingReanalysis(ctx, repository.NoTX, req.SessionID, true); err != nil {
				return nil, err
			}
			// the holder may have released and read the flag before it was set
			holder, err = u.leases.Holder(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			if holder != nil {
				out.Deferred = true
				u.log.Info().Str("session_id", req.SessionID).Int("files", len(req.Files)).Msg("session locked, submission deferred")
				return out, nil
			}
			u.log.Info().Str("session_id", req.SessionID).Msg("lease released during submit, queueing")
		}
		open, err := u.jobs.HasOpenJob(ctx, repository.NoTX, req.SessionID)
		if err != nil {
			return nil, err
		}
		if open {
			// the queued job reads the file set when it starts
			return out, nil
		}
	}

	job := model.NewJob(req.SessionID, req.UserID, req.Options)
	if err := u.jobs.Enqueue(ctx, repository.NoTX, job); err != nil {
		return nil, err
	}
	out.JobID = job.ID
	if err := u.status.Publish(ctx, model.SessionStatus{SessionID: req.SessionID, State: model.StatePending, UpdatedAt: time.Now()}); err != nil {
		u.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("publish pending status failed")
	}
	u.log.Info().Str("session_id", req.SessionID).Str("job_id", job.ID).Int("files", len(req.Files)).Msg("job queued")
	return out, nil
}

func submitRateKey(userID string) string {
	return "rate_limit:" + userID + ":submit"
}

func (u *jobUC) validate(req SubmitRequest) error {
	if len(req.Files) == 0 {
		return fmt.Errorf("%w: at least one file is required", domain.ErrInvalidArgument)
	}
	if len(req.Files) > u.policy.MaxFiles {
		return fmt.Errorf("%w: at most %d files", domain.ErrTooManyFiles, u.policy.MaxFiles)
	}
	for _, f := range req.Files {
		if f.Name == "" {
			return fmt.Errorf("%w: file name is required", domain.ErrInvalidArgument)
		}
		if u.policy.MaxFileBytes > 0 && int64(len(f.Content)) > u.policy.MaxFileBytes {
			return fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrInvalidArgument, f.Name, u.policy.MaxFileBytes)
		}
	}
	switch req.Options.Mode {
	case "", model.ModeReplace, model.ModeAppend:
	default:
		return fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, req.Options.Mode)
	}
	if req.Options.Topics < 0 || req.Options.Flashcards < 0 || req.Options.Questions < 0 {
		return fmt.Errorf("%w: counts must not be negative", domain.ErrInvalidArgument)
	}
	return nil
}

// GetStatus reads the KV mirror and falls back to Postgres.
func (u *jobUC) GetStatus(ctx context.Context, sessionID string) (*model.SessionStatus, error) {
	st, err := u.status.Get(ctx, sessionID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		u.log.Warn().Err(err).Str("session_id", sessionID).Msg("status store unavailable, reading database")
	}
	s, err := u.sessions.FindByID(ctx, repository.NoTX, sessionID)
	if err != nil {
		return nil, err
	}
	out := model.StatusFromSession(s)
	return &out, nil
}

func (u *jobUC) GetResult(ctx context.Context, sessionID string) (*model.GenerationResult, error) {
	if _, err := u.sessions.FindByID(ctx, repository.NoTX, sessionID); err != nil {
		return nil, err
	}
	return u.results.Load(ctx, repository.NoTX, sessionID)
}
