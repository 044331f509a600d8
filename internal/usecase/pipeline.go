package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

// RunPipeline executes EXTRACTING -> ESTIMATING -> GENERATING -> PERSISTING
// -> COMPLETED for a session whose lease the caller holds. The generated
// result lives only in memory until the persistence transaction commits.
func RunPipeline(ctx context.Context, jc *JobContext) error {
	if err := jc.Transition(ctx, model.StateExtracting); err != nil {
		return err
	}
	text, err := jc.Deps.Extraction.Run(ctx, jc.SessionID)
	if err != nil {
		return err
	}

	if err := jc.Transition(ctx, model.StateEstimating); err != nil {
		return err
	}
	if err := estimateStage(ctx, jc, text); err != nil {
		return err
	}

	if err := jc.Transition(ctx, model.StateGenerating); err != nil {
		return err
	}
	res, err := generateStage(ctx, jc, text)
	if err != nil {
		return err
	}

	if err := jc.Transition(ctx, model.StatePersisting); err != nil {
		return err
	}
	if err := persistStage(ctx, jc, res); err != nil {
		return err
	}
	jc.SetState(model.StateCompleted)
	if err := jc.Deps.Status.Publish(ctx, model.SessionStatus{
		SessionID: jc.SessionID, State: model.StateCompleted, Progress: 100,
	}); err != nil {
		jc.Log.Warn().Err(err).Msg("publish completed status failed")
	}
	jc.Log.Info().Int("topics", len(res.Topics)).Int("flashcards", len(res.Flashcards)).
		Int("questions", len(res.Questions)).Msg("job completed")
	return nil
}

// estimateStage refuses to start generation the user cannot afford.
func estimateStage(ctx context.Context, jc *JobContext, text string) error {
	tokens := jc.Deps.Tokenizer.Count(jc.Model, text)
	cost := jc.Deps.Estimator.Estimate(tokens, 0, jc.Model)
	jc.Log.Info().Int("input_tokens", tokens).Int64("estimated_cost", cost).Msg("cost estimated")
	return jc.Deps.Ledger.Require(ctx, jc.UserID, cost)
}

func generateStage(ctx context.Context, jc *JobContext, text string) (*model.GenerationResult, error) {
	var existing *model.GenerationResult
	if jc.Options.Mode == model.ModeAppend {
		r, err := jc.Deps.Results.Load(ctx, repository.NoTX, jc.SessionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("load existing result: %w", err)
		}
		existing = r
	}
	base := model.StateGenerating.Progress()
	span := model.StatePersisting.Progress() - base - 5
	return jc.Deps.Generator.Generate(ctx, GenerationRequest{
		SessionID: jc.SessionID,
		UserID:    jc.UserID,
		Text:      text,
		Model:     jc.Model,
		Options:   jc.Options,
		Existing:  existing,
	}, func(done int) {
		jc.Progress(ctx, base+span*done/3)
	})
}

// persistStage replaces the stored result and completes the session in one
// transaction. Completion is fenced by the owner token.
func persistStage(ctx context.Context, jc *JobContext, res *model.GenerationResult) error {
	err := jc.Deps.Tx.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		if err := jc.Deps.Results.Replace(ctx, tx, res); err != nil {
			return err
		}
		return jc.Deps.Sessions.MarkCompleted(ctx, tx, jc.SessionID, jc.OwnerToken)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}
