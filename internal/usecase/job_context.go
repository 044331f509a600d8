package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/adapter"
	"hackthestudy/internal/domain/ports/repository"
	"hackthestudy/internal/infra/metrics"
)

// JobDeps are constructed once per worker process and shared by all jobs.
type JobDeps struct {
	Sessions   repository.SessionRepository
	Results    repository.ResultRepository
	Tx         repository.TransactionManager
	Status     repository.StatusStore
	Extraction *ExtractionStage
	Estimator  *CostEstimator
	Ledger     *CreditLedger
	Tokenizer  adapter.Tokenizer
	Generator  *Orchestrator
}

// JobContext carries everything one job run needs through the stages.
type JobContext struct {
	SessionID    string
	JobID        string
	UserID       string
	OwnerToken   string
	Model        string
	Options      model.JobOptions
	Attempt      int
	SoftDeadline time.Time
	HardDeadline time.Time

	Deps *JobDeps
	Log  *zerolog.Logger

	state model.JobState
}

func (jc *JobContext) State() model.JobState { return jc.state }

// Transition validates and publishes a state change to Postgres and the KV
// store.
func (jc *JobContext) Transition(ctx context.Context, to model.JobState) error {
	return jc.publish(ctx, to, to.Progress())
}

// Progress republishes the current state with a finer percentage.
func (jc *JobContext) Progress(ctx context.Context, pct int) {
	if err := jc.Deps.Status.Publish(ctx, model.SessionStatus{
		SessionID: jc.SessionID, State: jc.state, Progress: pct, UpdatedAt: time.Now(),
	}); err != nil {
		jc.Log.Warn().Err(err).Msg("publish progress failed")
	}
}

func (jc *JobContext) publish(ctx context.Context, to model.JobState, pct int) error {
	if jc.state != "" && jc.state != to && !model.CanTransition(jc.state, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", domain.ErrInvalidArgument, jc.state, to)
	}
	if err := jc.Deps.Sessions.UpdateState(ctx, repository.NoTX, jc.SessionID, to); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	jc.state = to
	metrics.IncStateTransition(string(to))
	if err := jc.Deps.Status.Publish(ctx, model.SessionStatus{
		SessionID: jc.SessionID, State: to, Progress: pct, UpdatedAt: time.Now(),
	}); err != nil {
		// Postgres is authoritative; get_status falls back to it
		jc.Log.Warn().Err(err).Str("state", string(to)).Msg("publish status failed")
	}
	jc.Log.Info().Str("state", string(to)).Int("attempt", jc.Attempt).Msg("job state")
	return nil
}

// SetState seeds the in-memory state without publishing.
func (jc *JobContext) SetState(s model.JobState) { jc.state = s }
