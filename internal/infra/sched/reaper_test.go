//go:build !integration

package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeSessions struct {
	repository.SessionRepository

	rows        map[string]*model.Session
	failed      map[string]*domain.JobError
	deleteCut   time.Time
	deleted     int64
	listErr     error
	refreshedOn string // session that heartbeats between ListStale and FailStale
}

func (f *fakeSessions) ListStale(_ context.Context, _ repository.Tx, cutoff time.Time, limit int) ([]*model.Session, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.Session
	for _, s := range f.rows {
		if s.Status.IsActive() && s.HeartbeatAt != nil && s.HeartbeatAt.Before(cutoff) && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) FailStale(_ context.Context, _ repository.Tx, id string, _ time.Time, je *domain.JobError) (bool, error) {
	if id == f.refreshedOn {
		return false, nil
	}
	f.rows[id].Status = model.StateFailed
	f.failed[id] = je
	return true, nil
}

func (f *fakeSessions) DeleteExpired(_ context.Context, _ repository.Tx, olderThan time.Time) (int64, error) {
	f.deleteCut = olderThan
	return f.deleted, nil
}

type fakeLeases struct {
	repository.LeaseManager
	expired []string
	held    map[string]bool
}

func (f *fakeLeases) Holder(_ context.Context, id string) (*model.Lease, error) {
	if f.held[id] {
		return &model.Lease{SessionID: id, OwnerToken: "live"}, nil
	}
	return nil, nil
}

func (f *fakeLeases) ForceExpire(_ context.Context, id string) error {
	f.expired = append(f.expired, id)
	return nil
}

type fakeStatus struct {
	repository.StatusStore
	published []model.SessionStatus
	kvBeat    map[string]time.Time
}

func (f *fakeStatus) Publish(_ context.Context, st model.SessionStatus) error {
	f.published = append(f.published, st)
	return nil
}

func (f *fakeStatus) LastHeartbeat(_ context.Context, id string) (time.Time, bool, error) {
	at, ok := f.kvBeat[id]
	return at, ok, nil
}

type fakeJobs struct {
	repository.JobRepository
	enqueued []*model.Job
	rows     []*model.Job
}

func (f *fakeJobs) Enqueue(_ context.Context, _ repository.Tx, j *model.Job) error {
	f.enqueued = append(f.enqueued, j)
	return nil
}

func (f *fakeJobs) FailProcessing(_ context.Context, _ repository.Tx, sessionID, reason string) (int64, error) {
	var n int64
	for _, j := range f.rows {
		if j.SessionID == sessionID && j.Status == model.JobStatusProcessing {
			j.Status, j.LastError = model.JobStatusFailed, reason
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) ListOrphaned(_ context.Context, _ repository.Tx, cutoff time.Time, limit int) ([]*model.Job, error) {
	var out []*model.Job
	for _, j := range f.rows {
		if j.Status == model.JobStatusProcessing && j.UpdatedAt.Before(cutoff) && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobs) RequeueOrphaned(_ context.Context, _ repository.Tx, id string, cutoff time.Time) (bool, error) {
	for _, j := range f.rows {
		if j.ID == id && j.Status == model.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = model.JobStatusPending
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobs) statusOf(id string) model.JobStatus {
	for _, j := range f.rows {
		if j.ID == id {
			return j.Status
		}
	}
	return ""
}

func processingJob(id, sessionID string, touched time.Time) *model.Job {
	return &model.Job{ID: id, SessionID: sessionID, Status: model.JobStatusProcessing, UpdatedAt: touched}
}

func session(id string, st model.JobState, beat time.Time) *model.Session {
	return &model.Session{ID: id, UserID: "u1", Status: st, HeartbeatAt: &beat}
}

func newReaper(s *fakeSessions, l *fakeLeases, st *fakeStatus, j *fakeJobs) *Reaper {
	nop := zerolog.Nop()
	r := NewReaper(s, j, l, st, ReaperConfig{HeartbeatGrace: 5 * time.Minute, Retention: 24 * time.Hour}, &nop)
	r.now = func() time.Time { return now }
	return r
}

func TestReapStale(t *testing.T) {
	flagged := session("stuck-flagged", model.StateExtracting, now.Add(-20*time.Minute))
	flagged.PendingReanalysis = true
	sessions := &fakeSessions{
		rows: map[string]*model.Session{
			"stuck":         session("stuck", model.StateGenerating, now.Add(-10*time.Minute)),
			"stuck-flagged": flagged,
			"alive":         session("alive", model.StateGenerating, now.Add(-time.Minute)),
			"kv-alive":      session("kv-alive", model.StatePersisting, now.Add(-10*time.Minute)),
			"raced":         session("raced", model.StateEstimating, now.Add(-10*time.Minute)),
			"done":          session("done", model.StateCompleted, now.Add(-time.Hour)),
		},
		failed:      map[string]*domain.JobError{},
		refreshedOn: "raced",
	}
	leases := &fakeLeases{}
	status := &fakeStatus{kvBeat: map[string]time.Time{"kv-alive": now.Add(-30 * time.Second)}}
	jobs := &fakeJobs{}

	n, err := newReaper(sessions, leases, status, jobs).ReapStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reaped, got %d", n)
	}
	for _, id := range []string{"stuck", "stuck-flagged"} {
		je := sessions.failed[id]
		if je == nil || je.Code != domain.CodeHeartbeatTimeout || !errors.Is(je, domain.ErrHeartbeatTimeout) {
			t.Errorf("%s: unexpected failure %+v", id, je)
		}
	}
	for _, id := range []string{"alive", "kv-alive", "raced", "done"} {
		if _, ok := sessions.failed[id]; ok {
			t.Errorf("%s should not be reaped", id)
		}
	}
	if len(leases.expired) != 2 || len(status.published) != 2 {
		t.Fatalf("expired=%v published=%d", leases.expired, len(status.published))
	}
	for _, st := range status.published {
		if st.State != model.StateFailed || st.Error == nil || st.Error.Code != domain.CodeHeartbeatTimeout {
			t.Errorf("unexpected status %+v", st)
		}
	}
	if len(jobs.enqueued) != 1 || jobs.enqueued[0].SessionID != "stuck-flagged" {
		t.Errorf("reanalysis not requeued: %+v", jobs.enqueued)
	}
}

func TestReapStale_FailsProcessingJobs(t *testing.T) {
	sessions := &fakeSessions{
		rows: map[string]*model.Session{
			"stuck": session("stuck", model.StateGenerating, now.Add(-10*time.Minute)),
		},
		failed: map[string]*domain.JobError{},
	}
	jobs := &fakeJobs{rows: []*model.Job{
		processingJob("j-stuck", "stuck", now.Add(-10*time.Minute)),
		processingJob("j-other", "other", now),
	}}

	if _, err := newReaper(sessions, &fakeLeases{}, &fakeStatus{}, jobs).ReapStale(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := jobs.statusOf("j-stuck"); got != model.JobStatusFailed {
		t.Errorf("job of reaped session = %q, want failed", got)
	}
	if got := jobs.statusOf("j-other"); got != model.JobStatusProcessing {
		t.Errorf("unrelated job = %q, want processing", got)
	}
}

func TestRequeueOrphaned(t *testing.T) {
	jobs := &fakeJobs{rows: []*model.Job{
		// worker died between ClaimNext and MarkStarted
		processingJob("crashed", "s-pending", now.Add(-10*time.Minute)),
		// long run, lease still renewed elsewhere
		processingJob("leased", "s-leased", now.Add(-10*time.Minute)),
		processingJob("fresh", "s-fresh", now.Add(-time.Minute)),
	}}
	leases := &fakeLeases{held: map[string]bool{"s-leased": true}}

	n, err := newReaper(&fakeSessions{}, leases, &fakeStatus{}, jobs).RequeueOrphaned(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued, got %d", n)
	}
	want := map[string]model.JobStatus{
		"crashed": model.JobStatusPending,
		"leased":  model.JobStatusProcessing,
		"fresh":   model.JobStatusProcessing,
	}
	for id, st := range want {
		if got := jobs.statusOf(id); got != st {
			t.Errorf("%s = %q, want %q", id, got, st)
		}
	}
}

func TestReapStale_ListError(t *testing.T) {
	sessions := &fakeSessions{listErr: errors.New("db down")}
	_, err := newReaper(sessions, &fakeLeases{}, &fakeStatus{}, &fakeJobs{}).ReapStale(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestPurge(t *testing.T) {
	sessions := &fakeSessions{deleted: 3}
	n, err := newReaper(sessions, &fakeLeases{}, &fakeStatus{}, &fakeJobs{}).Purge(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if want := now.Add(-24 * time.Hour); !sessions.deleteCut.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", sessions.deleteCut, want)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	sessions := &fakeSessions{rows: map[string]*model.Session{}, failed: map[string]*domain.JobError{}}
	r := newReaper(sessions, &fakeLeases{}, &fakeStatus{}, &fakeJobs{})
	r.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if sessions.deleteCut.IsZero() {
		t.Fatalf("purge never ran")
	}
}
