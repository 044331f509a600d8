package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
	"hackthestudy/internal/usecase"
)

const cleanupTimeout = 15 * time.Second

type SupervisorConfig struct {
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	SoftLimit         time.Duration
	HardLimit         time.Duration
	DefaultModel      string
}

// Supervisor claims queued jobs and owns each one from lease acquisition to
// release: state machine, heartbeats, retries, time limits and cleanup.
type Supervisor struct {
	jobs     repository.JobRepository
	sessions repository.SessionRepository
	leases   repository.LeaseManager
	status   repository.StatusStore
	deps     *usecase.JobDeps
	cfg      SupervisorConfig
	log      *zerolog.Logger

	run   func(ctx context.Context, jc *usecase.JobContext) error
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(
	jobs repository.JobRepository,
	leases repository.LeaseManager,
	deps *usecase.JobDeps,
	cfg SupervisorConfig,
	logger *zerolog.Logger,
) *Supervisor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	l := logger.With().Str("component", "supervisor").Logger()
	return &Supervisor{
		jobs:     jobs,
		sessions: deps.Sessions,
		leases:   leases,
		status:   deps.Status,
		deps:     deps,
		cfg:      cfg,
		log:      &l,
		run:      usecase.RunPipeline,
		sleep:    sleepCtx,
	}
}

// Start polls the queue and hands claimed jobs to the pool until ctx ends.
func (s *Supervisor) Start(ctx context.Context, pool *Pool) {
	s.log.Info().Msg("job supervisor started")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("job supervisor stopping")
			return
		case <-ticker.C:
			for i := pool.Free(); i > 0; i-- {
				if err := pool.Submit(func(ctx context.Context) error {
					s.claimAndProcess(ctx)
					return nil
				}); err != nil {
					break
				}
			}
		}
	}
}

func (s *Supervisor) claimAndProcess(ctx context.Context) {
	job, err := s.jobs.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("failed to claim job")
		}
		return
	}
	s.Process(ctx, job)
}

// Process runs one claimed job to a final job status.
func (s *Supervisor) Process(ctx context.Context, job *model.Job) {
	log := s.log.With().Str("job_id", job.ID).Str("session_id", job.SessionID).Logger()
	start := time.Now()

	hardCtx, cancelHard := context.WithTimeoutCause(ctx, s.cfg.HardLimit, domain.ErrJobTimeout)
	defer cancelHard()

	lease, err := s.leases.Acquire(hardCtx, job.SessionID, s.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLockConflict) {
		metrics.IncLeaseConflict()
		s.deferJob(hardCtx, job, &log)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("lease acquire failed, job returned to queue")
		job.Status = model.JobStatusPending
		job.LastError = err.Error()
		s.saveJob(job, &log)
		return
	}

	jobErr := s.runLeased(ctx, hardCtx, job, lease, &log)

	// release before the reanalysis check so a concurrent submitter either
	// sees the flag consumed here or finds the session unlocked
	relCtx, cancelRel := cleanupContext(hardCtx)
	if _, err := s.leases.Release(relCtx, job.SessionID, lease.OwnerToken); err != nil {
		log.Warn().Err(err).Msg("lease release failed; it will expire")
	}
	s.requeueIfFlagged(relCtx, job, &log)
	cancelRel()

	status := model.JobStatusCompleted
	code := ""
	switch {
	case errors.Is(jobErr, errShutdown):
		status = model.JobStatusPending
		code = "shutdown"
	case jobErr != nil:
		status = model.JobStatusFailed
		code = domain.CodeOf(jobErr)
		job.LastError = jobErr.Error()
	}
	job.Status = status
	s.saveJob(job, &log)
	metrics.IncJob(string(status), code)
	metrics.ObserveJobDuration(string(status), time.Since(start).Seconds())
	log.Info().Str("status", string(status)).Str("code", code).Dur("duration", time.Since(start)).Msg("job finished")
}

var errShutdown = errors.New("worker shutting down")

// runLeased executes the pipeline under the lease and records the terminal
// outcome on the session. The returned error is nil on success.
func (s *Supervisor) runLeased(parent, hardCtx context.Context, job *model.Job, lease *model.Lease, log *zerolog.Logger) error {
	sess, err := s.sessions.FindByID(hardCtx, repository.NoTX, job.SessionID)
	if err != nil {
		log.Error().Err(err).Msg("session not loadable")
		return err
	}
	if err := s.sessions.MarkStarted(hardCtx, repository.NoTX, job.SessionID, lease.OwnerToken); err != nil {
		log.Error().Err(err).Msg("mark started failed")
		return err
	}

	jobCtx, cancelJob := context.WithCancelCause(hardCtx)
	defer cancelJob(nil)
	softCtx, cancelSoft := context.WithTimeoutCause(jobCtx, s.cfg.SoftLimit, domain.ErrJobTimeout)
	defer cancelSoft()

	opts := job.Options
	if opts.Model == "" {
		opts.Model = s.cfg.DefaultModel
	}
	jcLog := log.With().Str("model", opts.Model).Logger()
	jc := &usecase.JobContext{
		SessionID:    job.SessionID,
		JobID:        job.ID,
		UserID:       sess.UserID,
		OwnerToken:   lease.OwnerToken,
		Model:        opts.Model,
		Options:      opts,
		Attempt:      1,
		SoftDeadline: time.Now().Add(s.cfg.SoftLimit),
		HardDeadline: time.Now().Add(s.cfg.HardLimit),
		Deps:         s.deps,
		Log:          &jcLog,
	}

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(jobCtx, cancelJob, job, lease.OwnerToken, log)
	}()

	err = s.attempts(softCtx, jc, sess.Status)
	cancelJob(nil)
	<-hbDone

	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return s.interrupted(hardCtx, jc, log)
	}

	je := domain.NewJobError(err)
	cctx, cancel := cleanupContext(hardCtx)
	defer cancel()
	if mErr := s.sessions.MarkFailed(cctx, repository.NoTX, job.SessionID, lease.OwnerToken, je); mErr != nil {
		// another worker or the reaper already owns the outcome
		log.Warn().Err(mErr).Str("code", je.Code).Msg("could not record failure")
		return err
	}
	if pErr := s.status.Publish(cctx, model.StatusFromJobError(job.SessionID, je)); pErr != nil {
		log.Warn().Err(pErr).Msg("publish failed status failed")
	}
	log.Error().Err(err).Str("code", je.Code).Int64("required", je.Required).Int64("available", je.Available).Msg("job failed")
	return err
}

// attempts runs the pipeline, retrying transient failures with exponential
// backoff until the retry budget is spent.
func (s *Supervisor) attempts(ctx context.Context, jc *usecase.JobContext, current model.JobState) error {
	switch {
	case current.IsTerminal():
		jc.SetState(current)
		if err := jc.Transition(ctx, model.StatePending); err != nil {
			return err
		}
	case current.IsActive():
		// a previous owner died mid-run; resume as a retry
		jc.SetState(model.StateRetrying)
	default:
		jc.SetState(current)
	}
	if err := jc.Transition(ctx, model.StateLockWait); err != nil {
		return s.classify(ctx, err)
	}

	for {
		err := s.guarded(ctx, jc)
		if err == nil {
			return nil
		}
		err = s.classify(ctx, err)
		if !retryable(err) {
			return err
		}
		n, incErr := s.sessions.IncrementRetry(ctx, repository.NoTX, jc.SessionID)
		if incErr != nil {
			return s.classify(ctx, errors.Join(err, incErr))
		}
		if n > s.cfg.MaxRetries {
			return fmt.Errorf("%w after %d attempt(s): %w", domain.ErrMaxRetriesExceeded, n, err)
		}
		delay := s.cfg.RetryBaseDelay << (n - 1)
		metrics.IncJobRetry()
		jc.Log.Warn().Err(err).Int("retry", n).Dur("backoff", delay).Msg("transient failure, retrying")
		if tErr := jc.Transition(ctx, model.StateRetrying); tErr != nil {
			return s.classify(ctx, tErr)
		}
		if sErr := s.sleep(ctx, delay); sErr != nil {
			return s.classify(ctx, sErr)
		}
		jc.Attempt = n + 1
	}
}

// guarded converts a panic in the pipeline into an error so cleanup runs.
func (s *Supervisor) guarded(ctx context.Context, jc *usecase.JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.Log.Error().Interface("panic", r).Msg("pipeline panicked")
			err = fmt.Errorf("%w: panic: %v", domain.ErrOperationFailed, r)
		}
	}()
	return s.run(ctx, jc)
}

// classify replaces a bare context error with the cancellation cause.
func (s *Supervisor) classify(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	if errors.Is(cause, domain.ErrJobTimeout) || errors.Is(cause, domain.ErrLeaseLost) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrJobTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrTransientLLM) || errors.Is(err, domain.ErrPersistence)
}

// heartbeat renews the lease and refreshes liveness of the session and the
// job row until ctx ends. A failed renewal means the lease is gone and
// cancels the job.
func (s *Supervisor) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, job *model.Job, token string, log *zerolog.Logger) {
	sessionID := job.SessionID
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ok, err := s.leases.Renew(ctx, sessionID, token, s.cfg.LeaseTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("lease renew failed")
				continue
			}
			if !ok {
				log.Error().Msg("lease lost, cancelling job")
				cancel(domain.ErrLeaseLost)
				return
			}
			if err := s.sessions.UpdateHeartbeat(ctx, repository.NoTX, sessionID, token, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat write failed")
			}
			if err := s.jobs.Touch(ctx, repository.NoTX, job.ID, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("job touch failed")
			}
			if err := s.status.Heartbeat(ctx, sessionID, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// interrupted handles process shutdown: the session goes back to RETRYING
// and the job back to the queue.
func (s *Supervisor) interrupted(hardCtx context.Context, jc *usecase.JobContext, log *zerolog.Logger) error {
	ctx, cancel := cleanupContext(hardCtx)
	defer cancel()
	if jc.State().IsActive() && jc.State() != model.StateRetrying {
		if err := jc.Transition(ctx, model.StateRetrying); err != nil {
			log.Warn().Err(err).Msg("could not park interrupted session")
		}
	}
	log.Warn().Msg("job interrupted by shutdown, returned to queue")
	return errShutdown
}

func (s *Supervisor) requeueIfFlagged(ctx context.Context, job *model.Job, log *zerolog.Logger) {
	sess, err := s.sessions.FindByID(ctx, repository.NoTX, job.SessionID)
	if err != nil || !sess.PendingReanalysis {
		return
	}
	next := model.NewJob(job.SessionID, job.UserID, job.Options)
	if err := s.jobs.Enqueue(ctx, repository.NoTX, next); err != nil {
		log.Error().Err(err).Msg("reanalysis enqueue failed")
		return
	}
	log.Info().Str("next_job_id", next.ID).Msg("reanalysis queued")
}

// deferJob parks a job whose session is held elsewhere. The holder re-enqueues
// on release when pending_reanalysis is set.
func (s *Supervisor) deferJob(ctx context.Context, job *model.Job, log *zerolog.Logger) {
	if err := s.sessions.SetPendingReanalysis(ctx, repository.NoTX, job.SessionID, true); err != nil {
		log.Error().Err(err).Msg("could not flag reanalysis")
		job.Status = model.JobStatusPending
		s.saveJob(job, log)
		return
	}
	job.Status = model.JobStatusDeferred
	// the holder may have released between Acquire and the flag write
	if h, err := s.leases.Holder(ctx, job.SessionID); err == nil && h == nil {
		job.Status = model.JobStatusPending
	}
	s.saveJob(job, log)
	metrics.IncJob(string(job.Status), domain.CodeLockConflict)
	log.Info().Str("status", string(job.Status)).Msg("session locked by another worker")
}

func (s *Supervisor) saveJob(job *model.Job, log *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.jobs.Save(ctx, repository.NoTX, job); err != nil {
		log.Error().Err(err).Str("status", string(job.Status)).Msg("job save failed")
	}
}

// cleanupContext outlives soft cancellation and shutdown. It is bounded by
// what is left of the hard limit, or a short grace once that has passed.
func cleanupContext(hardCtx context.Context) (context.Context, context.CancelFunc) {
	timeout := cleanupTimeout
	if dl, ok := hardCtx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < timeout {
			timeout = left
		}
	}
	return context.WithTimeout(context.WithoutCancel(hardCtx), timeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
