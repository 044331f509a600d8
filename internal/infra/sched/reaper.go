package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
)

type ReaperConfig struct {
	Interval       time.Duration
	HeartbeatGrace time.Duration
	BatchSize      int
	Retention      time.Duration
}

// Reaper fails sessions whose worker stopped heartbeating, returns jobs
// orphaned by a dead worker to the queue and purges terminal sessions past
// retention.
type Reaper struct {
	sessions repository.SessionRepository
	jobs     repository.JobRepository
	leases   repository.LeaseManager
	status   repository.StatusStore
	cfg      ReaperConfig
	log      *zerolog.Logger
	now      func() time.Time
}

func NewReaper(
	sessions repository.SessionRepository,
	jobs repository.JobRepository,
	leases repository.LeaseManager,
	status repository.StatusStore,
	cfg ReaperConfig,
	logger *zerolog.Logger,
) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	reapLog := logger.With().Str("component", "Reaper").Logger()
	return &Reaper{
		sessions: sessions,
		jobs:     jobs,
		leases:   leases,
		status:   status,
		cfg:      cfg,
		log:      &reapLog,
		now:      time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Dur("grace", r.cfg.HeartbeatGrace).Msg("Starting reaper")
	r.tick(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Stopping reaper")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if n, err := r.ReapStale(ctx); err != nil {
		r.log.Error().Err(err).Msg("reap stale sessions failed")
	} else if n > 0 {
		r.log.Info().Int("count", n).Msg("stalled sessions failed")
	}
	if n, err := r.RequeueOrphaned(ctx); err != nil {
		r.log.Error().Err(err).Msg("requeue orphaned jobs failed")
	} else if n > 0 {
		r.log.Info().Int("count", n).Msg("orphaned jobs requeued")
	}
	if r.cfg.Retention > 0 {
		if n, err := r.Purge(ctx); err != nil {
			r.log.Error().Err(err).Msg("retention purge failed")
		} else if n > 0 {
			r.log.Info().Int64("count", n).Msg("expired sessions purged")
		}
	}
}

// ReapStale fails active sessions with no heartbeat inside the grace period,
// expires their leases and publishes the FAILED status.
func (r *Reaper) ReapStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.HeartbeatGrace)
	stale, err := r.sessions.ListStale(ctx, repository.NoTX, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		// the KV heartbeat may be newer when a database write was lost
		if at, ok, err := r.status.LastHeartbeat(ctx, s.ID); err == nil && ok && at.After(cutoff) {
			continue
		}
		je := &domain.JobError{
			Code:    domain.CodeHeartbeatTimeout,
			Message: "no heartbeat for " + r.cfg.HeartbeatGrace.String() + " in state " + string(s.Status),
			Err:     domain.ErrHeartbeatTimeout,
		}
		ok, err := r.sessions.FailStale(ctx, repository.NoTX, s.ID, cutoff, je)
		if err != nil {
			r.log.Error().Err(err).Str("session_id", s.ID).Msg("fail stale session")
			continue
		}
		if !ok {
			// heartbeat arrived or the worker finished since ListStale
			continue
		}
		if _, err := r.jobs.FailProcessing(ctx, repository.NoTX, s.ID, je.Message); err != nil {
			r.log.Error().Err(err).Str("session_id", s.ID).Msg("fail jobs of reaped session")
		}
		if err := r.leases.ForceExpire(ctx, s.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("force expire lease")
		}
		if err := r.status.Publish(ctx, model.StatusFromJobError(s.ID, je)); err != nil {
			r.log.Warn().Err(err).Str("session_id", s.ID).Msg("publish reaped status")
		}
		if s.PendingReanalysis {
			if err := r.jobs.Enqueue(ctx, repository.NoTX, model.NewJob(s.ID, s.UserID, model.JobOptions{})); err != nil {
				r.log.Error().Err(err).Str("session_id", s.ID).Msg("requeue reanalysis")
			}
		}
		metrics.IncReaped()
		r.log.Warn().Str("session_id", s.ID).Str("state", string(s.Status)).Msg("session reaped after heartbeat timeout")
		reaped++
	}
	return reaped, nil
}

// RequeueOrphaned returns processing jobs to the queue when their worker died
// before taking the lease or before the session went active, so the row
// stopped being touched and nobody holds the session.
func (r *Reaper) RequeueOrphaned(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.HeartbeatGrace)
	orphans, err := r.jobs.ListOrphaned(ctx, repository.NoTX, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, j := range orphans {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		h, err := r.leases.Holder(ctx, j.SessionID)
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", j.ID).Msg("lease lookup for orphan")
			continue
		}
		if h != nil {
			continue
		}
		ok, err := r.jobs.RequeueOrphaned(ctx, repository.NoTX, j.ID, cutoff)
		if err != nil {
			r.log.Error().Err(err).Str("job_id", j.ID).Msg("requeue orphaned job")
			continue
		}
		if !ok {
			continue
		}
		metrics.IncReaped()
		r.log.Warn().Str("job_id", j.ID).Str("session_id", j.SessionID).Msg("orphaned job returned to queue")
		requeued++
	}
	return requeued, nil
}

// Purge deletes terminal sessions older than the retention period. Their KV
// keys carry the same TTL and expire on their own.
func (r *Reaper) Purge(ctx context.Context) (int64, error) {
	n, err := r.sessions.DeleteExpired(ctx, repository.NoTX, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	metrics.AddPurged(n)
	return n, nil
}
