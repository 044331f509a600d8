//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	sessions := NewSessionRepo(testPool)
	repo := NewJobRepo(testPool, NewTxManager(testPool))

	t.Run("claim is exclusive", func(t *testing.T) {
		cleanup(t)
		s, _ := model.NewSession("s1", "")
		if err := sessions.Create(ctx, nil, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		for i := 0; i < 5; i++ {
			if err := repo.Enqueue(ctx, nil, model.NewJob("s1", "", model.JobOptions{Mode: model.ModeAppend, Flashcards: 3})); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		open, _ := repo.HasOpenJob(ctx, nil, "s1")
		if !open {
			t.Fatalf("expected open job")
		}

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = map[string]int{}
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, err := repo.ClaimNext(ctx)
				if errors.Is(err, domain.ErrNotFound) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job.Status != model.JobStatusProcessing || job.Attempts != 1 || job.Options.Flashcards != 3 {
					t.Errorf("unexpected claimed job %+v", job)
				}
				mu.Lock()
				ids[job.ID]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(ids) != 5 {
			t.Fatalf("expected 5 distinct claims, got %d", len(ids))
		}
		for id, n := range ids {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
		if _, err := repo.ClaimNext(ctx); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected empty queue, got %v", err)
		}
	})

	t.Run("dead worker rows are failed or requeued", func(t *testing.T) {
		cleanup(t)
		for _, id := range []string{"reaped", "crashed"} {
			s, _ := model.NewSession(id, "")
			if err := sessions.Create(ctx, nil, s); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := repo.Enqueue(ctx, nil, model.NewJob(id, "", model.JobOptions{})); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		var claimed []*model.Job
		for i := 0; i < 2; i++ {
			j, err := repo.ClaimNext(ctx)
			if err != nil {
				t.Fatalf("ClaimNext: %v", err)
			}
			claimed = append(claimed, j)
		}

		n, err := repo.FailProcessing(ctx, nil, "reaped", "no heartbeat")
		if err != nil || n != 1 {
			t.Fatalf("FailProcessing = %d, %v", n, err)
		}
		if open, _ := repo.HasOpenJob(ctx, nil, "reaped"); open {
			t.Fatalf("failed job still counts as open")
		}

		if orphans, err := repo.ListOrphaned(ctx, nil, time.Now().Add(-time.Minute), 10); err != nil || len(orphans) != 0 {
			t.Fatalf("fresh rows listed as orphans: %v %v", orphans, err)
		}
		var crashed *model.Job
		for _, j := range claimed {
			if j.SessionID == "crashed" {
				crashed = j
			}
		}
		if err := repo.Touch(ctx, nil, crashed.ID, time.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		cutoff := time.Now().Add(-time.Minute)
		orphans, err := repo.ListOrphaned(ctx, nil, cutoff, 10)
		if err != nil || len(orphans) != 1 || orphans[0].ID != crashed.ID {
			t.Fatalf("ListOrphaned = %v, %v", orphans, err)
		}
		ok, err := repo.RequeueOrphaned(ctx, nil, crashed.ID, cutoff)
		if err != nil || !ok {
			t.Fatalf("RequeueOrphaned = %v, %v", ok, err)
		}
		if ok, _ := repo.RequeueOrphaned(ctx, nil, crashed.ID, cutoff); ok {
			t.Fatalf("requeue must be a no-op once pending")
		}
		j, err := repo.ClaimNext(ctx)
		if err != nil || j.ID != crashed.ID || j.Attempts != 2 {
			t.Fatalf("reclaim = %+v, %v", j, err)
		}
	})
}
