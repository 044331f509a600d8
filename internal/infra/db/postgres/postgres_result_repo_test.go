//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v4"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

func TestResultRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	sessions := NewSessionRepo(testPool)
	repo := NewResultRepo(testPool)
	tm := NewTxManager(testPool)

	result := func(prefix string) *model.GenerationResult {
		return &model.GenerationResult{
			SessionID: "s1",
			Topics: []model.Topic{
				{ID: prefix + "-main", Name: "Biology", IsMain: true},
				{ID: prefix + "-sub", Name: "Cells", ParentID: prefix + "-main"},
			},
			Edges:      []model.TopicEdge{{FromID: prefix + "-sub", ToID: prefix + "-main"}},
			Flashcards: []model.Flashcard{{ID: prefix + "-f1", Question: "Q1", Answer: "A1"}, {ID: prefix + "-f2", Question: "Q2", Answer: "A2"}},
			Questions:  []model.Question{{ID: prefix + "-q1", Text: "Pick", Options: []string{"a", "b", "c"}, CorrectIndex: 2, Explanation: "c"}},
		}
	}

	t.Run("replace is idempotent", func(t *testing.T) {
		cleanup(t)
		s, _ := model.NewSession("s1", "")
		_ = sessions.Create(ctx, nil, s)

		if _, err := repo.Load(ctx, nil, "s1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for empty result, got %v", err)
		}
		for _, prefix := range []string{"r1", "r1", "r2"} {
			err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
				return repo.Replace(ctx, tx, result(prefix))
			})
			if err != nil {
				t.Fatalf("Replace(%s): %v", prefix, err)
			}
		}
		got, err := repo.Load(ctx, nil, "s1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(got.Topics) != 2 || len(got.Edges) != 1 || len(got.Flashcards) != 2 || len(got.Questions) != 1 {
			t.Fatalf("duplicates after repeated replace: %+v", got)
		}
		if got.Topics[0].ID != "r2-main" || got.Flashcards[1].Question != "Q2" {
			t.Errorf("unexpected content %+v", got)
		}
		if q := got.Questions[0]; len(q.Options) != 3 || q.CorrectIndex != 2 {
			t.Errorf("question round trip: %+v", q)
		}
	})

	t.Run("failed commit leaves previous result", func(t *testing.T) {
		cleanup(t)
		s, _ := model.NewSession("s1", "")
		_ = sessions.Create(ctx, nil, s)
		_ = sessions.MarkStarted(ctx, nil, "s1", "tok")
		_ = tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return repo.Replace(ctx, tx, result("old"))
		})

		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			if err := repo.Replace(ctx, tx, result("new")); err != nil {
				return err
			}
			return sessions.MarkCompleted(ctx, tx, "s1", "stolen")
		})
		if !errors.Is(err, domain.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost, got %v", err)
		}
		got, _ := repo.Load(ctx, nil, "s1")
		if got == nil || got.Topics[0].ID != "old-main" {
			t.Fatalf("rollback did not keep the previous result: %+v", got)
		}
	})
}
