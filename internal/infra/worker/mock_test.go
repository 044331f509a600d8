//go:build !integration

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// --- sessions ---

type mockSessions struct {
	mu   sync.Mutex
	rows map[string]*model.Session
}

func newMockSessions(ids ...string) *mockSessions {
	m := &mockSessions{rows: map[string]*model.Session{}}
	for _, id := range ids {
		s, _ := model.NewSession(id, "u1")
		m.rows[id] = s
	}
	return m
}

func (m *mockSessions) get(id string) model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *mockSessions) with(id string, fn func(s *model.Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	return fn(s)
}

func (m *mockSessions) Create(_ context.Context, _ repository.Tx, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.ID] = &cp
	return nil
}

func (m *mockSessions) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Session, error) {
	var out model.Session
	err := m.with(id, func(s *model.Session) error { out = *s; return nil })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *mockSessions) AddFiles(context.Context, repository.Tx, []*model.UploadedFile) error {
	return nil
}

func (m *mockSessions) ListFiles(context.Context, repository.Tx, string) ([]*model.UploadedFile, error) {
	return nil, nil
}

func (m *mockSessions) CountFiles(context.Context, repository.Tx, string) (int, error) { return 0, nil }

func (m *mockSessions) UpdateFileStatus(context.Context, repository.Tx, string, model.ExtractionStatus, string) error {
	return nil
}

func (m *mockSessions) SetPendingReanalysis(_ context.Context, _ repository.Tx, id string, pending bool) error {
	return m.with(id, func(s *model.Session) error { s.PendingReanalysis = pending; return nil })
}

func (m *mockSessions) MarkStarted(_ context.Context, _ repository.Tx, id, token string) error {
	return m.with(id, func(s *model.Session) error {
		s.OwnerToken, s.PendingReanalysis, s.RetryCount = token, false, 0
		s.ErrorCode, s.ErrorMessage = "", ""
		return nil
	})
}

func (m *mockSessions) UpdateState(_ context.Context, _ repository.Tx, id string, st model.JobState) error {
	return m.with(id, func(s *model.Session) error { s.Status = st; return nil })
}

func (m *mockSessions) SaveMergedText(context.Context, repository.Tx, string, string) error {
	return nil
}

func (m *mockSessions) UpdateHeartbeat(_ context.Context, _ repository.Tx, id, token string, at time.Time) error {
	return m.with(id, func(s *model.Session) error {
		if s.OwnerToken == token {
			s.HeartbeatAt = &at
		}
		return nil
	})
}

func (m *mockSessions) IncrementRetry(_ context.Context, _ repository.Tx, id string) (int, error) {
	var n int
	err := m.with(id, func(s *model.Session) error { s.RetryCount++; n = s.RetryCount; return nil })
	return n, err
}

func (m *mockSessions) MarkFailed(_ context.Context, _ repository.Tx, id, token string, je *domain.JobError) error {
	return m.with(id, func(s *model.Session) error {
		if token != "" && s.OwnerToken != token {
			return domain.ErrLeaseLost
		}
		s.Status, s.OwnerToken = model.StateFailed, ""
		s.ErrorCode, s.ErrorMessage, s.ErrorRequired, s.ErrorAvailable = je.Code, je.Message, je.Required, je.Available
		return nil
	})
}

func (m *mockSessions) MarkCompleted(_ context.Context, _ repository.Tx, id, token string) error {
	return m.with(id, func(s *model.Session) error {
		if s.OwnerToken != token {
			return domain.ErrLeaseLost
		}
		now := time.Now()
		s.Status, s.OwnerToken, s.CompletedAt, s.RetryCount = model.StateCompleted, "", &now, 0
		return nil
	})
}

func (m *mockSessions) ListStale(context.Context, repository.Tx, time.Time, int) ([]*model.Session, error) {
	return nil, nil
}

func (m *mockSessions) FailStale(context.Context, repository.Tx, string, time.Time, *domain.JobError) (bool, error) {
	return false, nil
}

func (m *mockSessions) DeleteExpired(context.Context, repository.Tx, time.Time) (int64, error) {
	return 0, nil
}

// --- jobs ---

type mockJobs struct {
	mu      sync.Mutex
	queue   []*model.Job
	saved   map[string]model.Job
	touched int
}

func newMockJobs(jobs ...*model.Job) *mockJobs {
	return &mockJobs{queue: jobs, saved: map[string]model.Job{}}
}

func (m *mockJobs) Enqueue(_ context.Context, _ repository.Tx, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, j)
	return nil
}

func (m *mockJobs) Save(_ context.Context, _ repository.Tx, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[j.ID] = *j
	return nil
}

func (m *mockJobs) ClaimNext(context.Context) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.queue {
		if j.Status == model.JobStatusPending {
			j.Status = model.JobStatusProcessing
			j.Attempts++
			return j, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockJobs) HasOpenJob(_ context.Context, _ repository.Tx, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.queue {
		if j.SessionID == sessionID && j.Status == model.JobStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockJobs) Touch(context.Context, repository.Tx, string, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func (m *mockJobs) FailProcessing(context.Context, repository.Tx, string, string) (int64, error) {
	return 0, nil
}

func (m *mockJobs) ListOrphaned(context.Context, repository.Tx, time.Time, int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobs) RequeueOrphaned(context.Context, repository.Tx, string, time.Time) (bool, error) {
	return false, nil
}

func (m *mockJobs) touches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched
}

func (m *mockJobs) status(id string) model.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id].Status
}

func (m *mockJobs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// --- leases ---

type mockLeases struct {
	mu       sync.Mutex
	owners   map[string]string
	renewOK  bool
	released int
	// releaseOnHolder drops the foreign lease the first time Holder is asked.
	releaseOnHolder bool
}

func newMockLeases() *mockLeases {
	return &mockLeases{owners: map[string]string{}, renewOK: true}
}

func (m *mockLeases) Acquire(_ context.Context, id string, ttl time.Duration) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.owners[id]; held {
		return nil, domain.ErrLockConflict
	}
	tok := uuid.NewString()
	m.owners[id] = tok
	now := time.Now()
	return &model.Lease{SessionID: id, OwnerToken: tok, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (m *mockLeases) Renew(_ context.Context, id, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewOK && m.owners[id] == token, nil
}

func (m *mockLeases) Release(_ context.Context, id, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[id] != token {
		return false, nil
	}
	delete(m.owners, id)
	m.released++
	return true, nil
}

func (m *mockLeases) Holder(_ context.Context, id string) (*model.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseOnHolder {
		delete(m.owners, id)
		m.releaseOnHolder = false
	}
	tok, ok := m.owners[id]
	if !ok {
		return nil, nil
	}
	return &model.Lease{SessionID: id, OwnerToken: tok}, nil
}

func (m *mockLeases) ForceExpire(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, id)
	return nil
}

func (m *mockLeases) held(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owners[id]
	return ok
}

// --- status ---

type mockStatus struct {
	mu         sync.Mutex
	history    []model.SessionStatus
	heartbeats int
}

func (m *mockStatus) Publish(_ context.Context, st model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, st)
	return nil
}

func (m *mockStatus) Get(_ context.Context, id string) (*model.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].SessionID == id {
			st := m.history[i]
			return &st, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStatus) Heartbeat(context.Context, string, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return nil
}

func (m *mockStatus) LastHeartbeat(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *mockStatus) Purge(context.Context, string) error { return nil }

// states lists published states with consecutive duplicates removed.
func (m *mockStatus) states() []model.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobState
	for _, st := range m.history {
		if len(out) == 0 || out[len(out)-1] != st.State {
			out = append(out, st.State)
		}
	}
	return out
}

func (m *mockStatus) last() model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[len(m.history)-1]
}
