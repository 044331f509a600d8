//go:build !integration

package usecase_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/adapter"
	"hackthestudy/internal/domain/ports/repository"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// =============================
// Adapters
// =============================

// ---- Mock AIServiceAdapter ----

type MockAI struct {
	mu sync.Mutex

	ChatFunc func(ctx context.Context, model string, msgs []adapter.Message, opts adapter.ChatOptions) (string, adapter.Usage, error)
	Calls    int
	Prompts  [][]adapter.Message
}

var _ adapter.AIServiceAdapter = (*MockAI)(nil)

func (m *MockAI) CountTokens(_ context.Context, _ string, msgs []adapter.Message) (int, error) {
	n := 0
	for _, msg := range msgs {
		n += (len(msg.Content) + 3) / 4
	}
	return n, nil
}

func (m *MockAI) ChatWithUsage(ctx context.Context, model string, msgs []adapter.Message, opts adapter.ChatOptions) (string, adapter.Usage, error) {
	m.mu.Lock()
	m.Calls++
	m.Prompts = append(m.Prompts, msgs)
	fn := m.ChatFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, model, msgs, opts)
	}
	return "{}", adapter.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}, nil
}

func (m *MockAI) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// kindOf infers the artifact kind from the canonical schema in the system prompt.
func kindOf(msgs []adapter.Message) string {
	for _, m := range msgs {
		if m.Role != "system" {
			continue
		}
		switch {
		case strings.Contains(m.Content, `"main_topic"`):
			return "topics"
		case strings.Contains(m.Content, `"flashcards"`):
			return "flashcards"
		case strings.Contains(m.Content, `"questions"`):
			return "questions"
		}
	}
	return ""
}

type heuristicTokenizer struct{}

func (heuristicTokenizer) Count(_ string, text string) int { return (len([]rune(text)) + 3) / 4 }

// ---- Mock TextExtractor ----

type MockExtractor struct {
	ExtractFunc func(ctx context.Context, data []byte, name string) (string, error)
}

func (m *MockExtractor) Extract(ctx context.Context, data []byte, name string) (string, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, data, name)
	}
	return string(data), nil
}

// =============================
// Repositories
// =============================

// ---- Mock SessionRepository ----

type MockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	files    map[string][]*model.UploadedFile

	MarkCompletedErr error
}

func NewMockSessionRepo() *MockSessionRepo {
	return &MockSessionRepo{sessions: map[string]*model.Session{}, files: map[string][]*model.UploadedFile{}}
}

var _ repository.SessionRepository = (*MockSessionRepo)(nil)

func (r *MockSessionRepo) Create(_ context.Context, _ repository.Tx, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MockSessionRepo) FindByID(_ context.Context, _ repository.Tx, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MockSessionRepo) Get(id string) *model.Session {
	s, _ := r.FindByID(context.Background(), nil, id)
	return s
}

func (r *MockSessionRepo) AddFiles(_ context.Context, _ repository.Tx, files []*model.UploadedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range files {
		cp := *f
		r.files[f.SessionID] = append(r.files[f.SessionID], &cp)
	}
	return nil
}

func (r *MockSessionRepo) ListFiles(_ context.Context, _ repository.Tx, sessionID string) ([]*model.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.UploadedFile, 0, len(r.files[sessionID]))
	for _, f := range r.files[sessionID] {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MockSessionRepo) CountFiles(_ context.Context, _ repository.Tx, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files[sessionID]), nil
}

func (r *MockSessionRepo) UpdateFileStatus(_ context.Context, _ repository.Tx, fileID string, status model.ExtractionStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fs := range r.files {
		for _, f := range fs {
			if f.ID == fileID {
				f.ExtractionStatus, f.ExtractionError = status, errMsg
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (r *MockSessionRepo) with(id string, fn func(s *model.Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	return fn(s)
}

func (r *MockSessionRepo) SetPendingReanalysis(_ context.Context, _ repository.Tx, id string, pending bool) error {
	return r.with(id, func(s *model.Session) error { s.PendingReanalysis = pending; return nil })
}

func (r *MockSessionRepo) MarkStarted(_ context.Context, _ repository.Tx, id, token string) error {
	return r.with(id, func(s *model.Session) error {
		now := time.Now()
		s.OwnerToken, s.PendingReanalysis, s.StartedAt, s.HeartbeatAt = token, false, &now, &now
		s.ErrorCode, s.ErrorMessage = "", ""
		return nil
	})
}

func (r *MockSessionRepo) UpdateState(_ context.Context, _ repository.Tx, id string, state model.JobState) error {
	return r.with(id, func(s *model.Session) error { s.Status = state; return nil })
}

func (r *MockSessionRepo) SaveMergedText(_ context.Context, _ repository.Tx, id, text string) error {
	return r.with(id, func(s *model.Session) error { s.MergedText = text; return nil })
}

func (r *MockSessionRepo) UpdateHeartbeat(_ context.Context, _ repository.Tx, id, token string, at time.Time) error {
	return r.with(id, func(s *model.Session) error {
		if s.OwnerToken == token {
			s.HeartbeatAt = &at
		}
		return nil
	})
}

func (r *MockSessionRepo) IncrementRetry(_ context.Context, _ repository.Tx, id string) (int, error) {
	var n int
	err := r.with(id, func(s *model.Session) error { s.RetryCount++; n = s.RetryCount; return nil })
	return n, err
}

func (r *MockSessionRepo) MarkFailed(_ context.Context, _ repository.Tx, id, token string, je *domain.JobError) error {
	return r.with(id, func(s *model.Session) error {
		if token != "" && s.OwnerToken != token {
			return domain.ErrLeaseLost
		}
		s.Status, s.ErrorCode, s.ErrorMessage = model.StateFailed, je.Code, je.Message
		s.ErrorRequired, s.ErrorAvailable, s.OwnerToken = je.Required, je.Available, ""
		return nil
	})
}

func (r *MockSessionRepo) MarkCompleted(_ context.Context, _ repository.Tx, id, token string) error {
	if r.MarkCompletedErr != nil {
		return r.MarkCompletedErr
	}
	return r.with(id, func(s *model.Session) error {
		if s.OwnerToken != token {
			return domain.ErrLeaseLost
		}
		now := time.Now()
		s.Status, s.CompletedAt, s.OwnerToken = model.StateCompleted, &now, ""
		return nil
	})
}

func (r *MockSessionRepo) ListStale(_ context.Context, _ repository.Tx, cutoff time.Time, limit int) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Session
	for _, s := range r.sessions {
		if s.Status.IsActive() && s.HeartbeatAt != nil && s.HeartbeatAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MockSessionRepo) FailStale(_ context.Context, _ repository.Tx, id string, cutoff time.Time, je *domain.JobError) (bool, error) {
	var ok bool
	err := r.with(id, func(s *model.Session) error {
		if !s.Status.IsActive() || s.HeartbeatAt == nil || !s.HeartbeatAt.Before(cutoff) {
			return nil
		}
		s.Status, s.ErrorCode, s.ErrorMessage, s.OwnerToken = model.StateFailed, je.Code, je.Message, ""
		ok = true
		return nil
	})
	return ok, err
}

func (r *MockSessionRepo) DeleteExpired(_ context.Context, _ repository.Tx, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.Status.IsTerminal() && s.CreatedAt.Before(olderThan) {
			delete(r.sessions, id)
			delete(r.files, id)
			n++
		}
	}
	return n, nil
}

// ---- Mock JobRepository ----

type MockJobRepo struct {
	mu   sync.Mutex
	Jobs []*model.Job
}

var _ repository.JobRepository = (*MockJobRepo)(nil)

func (r *MockJobRepo) Enqueue(_ context.Context, _ repository.Tx, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.Jobs = append(r.Jobs, &cp)
	return nil
}

func (r *MockJobRepo) Save(_ context.Context, _ repository.Tx, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.Jobs {
		if j.ID == job.ID {
			cp := *job
			r.Jobs[i] = &cp
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *MockJobRepo) ClaimNext(_ context.Context) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.Jobs {
		if j.Status == model.JobStatusPending {
			j.Status = model.JobStatusProcessing
			j.Attempts++
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockJobRepo) HasOpenJob(_ context.Context, _ repository.Tx, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.Jobs {
		if j.SessionID == sessionID && (j.Status == model.JobStatusPending || j.Status == model.JobStatusProcessing) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MockJobRepo) Touch(context.Context, repository.Tx, string, time.Time) error { return nil }

func (r *MockJobRepo) FailProcessing(_ context.Context, _ repository.Tx, sessionID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.Jobs {
		if j.SessionID == sessionID && j.Status == model.JobStatusProcessing {
			j.Status, j.LastError = model.JobStatusFailed, reason
			n++
		}
	}
	return n, nil
}

func (r *MockJobRepo) ListOrphaned(context.Context, repository.Tx, time.Time, int) ([]*model.Job, error) {
	return nil, nil
}

func (r *MockJobRepo) RequeueOrphaned(context.Context, repository.Tx, string, time.Time) (bool, error) {
	return false, nil
}

func (r *MockJobRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Jobs)
}

// ---- Mock ResultRepository ----

type MockResultRepo struct {
	mu       sync.Mutex
	results  map[string]*model.GenerationResult
	Replaces int
	Err      error
}

func NewMockResultRepo() *MockResultRepo {
	return &MockResultRepo{results: map[string]*model.GenerationResult{}}
}

var _ repository.ResultRepository = (*MockResultRepo)(nil)

func (r *MockResultRepo) Replace(_ context.Context, _ repository.Tx, res *model.GenerationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	cp := *res
	r.results[res.SessionID] = &cp
	r.Replaces++
	return nil
}

func (r *MockResultRepo) Load(_ context.Context, _ repository.Tx, sessionID string) (*model.GenerationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

// ---- Mock CreditRepository ----

type MockCreditRepo struct {
	mu       sync.Mutex
	balances map[string]int64
	usage    map[string]*model.UsageRecord
	order    []string
	// DeductErr fails every Deduct.
	DeductErr error
}

func NewMockCreditRepo(balances map[string]int64) *MockCreditRepo {
	if balances == nil {
		balances = map[string]int64{}
	}
	return &MockCreditRepo{balances: balances, usage: map[string]*model.UsageRecord{}}
}

var _ repository.CreditRepository = (*MockCreditRepo)(nil)

func (r *MockCreditRepo) GetBalance(_ context.Context, _ repository.Tx, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return b, nil
}

func (r *MockCreditRepo) Deduct(_ context.Context, _ repository.Tx, userID string, amount int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.DeductErr != nil {
		return 0, false, r.DeductErr
	}
	b := r.balances[userID]
	if b < amount {
		return b, false, nil
	}
	r.balances[userID] = b - amount
	return b - amount, true, nil
}

func (r *MockCreditRepo) Grant(_ context.Context, _ repository.Tx, userID string, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] += amount
	return r.balances[userID], nil
}

func (r *MockCreditRepo) AppendUsage(_ context.Context, _ repository.Tx, rec *model.UsageRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usage[rec.ID]; ok {
		return false, nil
	}
	cp := *rec
	r.usage[rec.ID] = &cp
	r.order = append(r.order, rec.ID)
	return true, nil
}

func (r *MockCreditRepo) MarkCharged(_ context.Context, _ repository.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.usage[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Charged = true
	return nil
}

func (r *MockCreditRepo) IsCharged(_ context.Context, _ repository.Tx, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.usage[id]
	return ok && rec.Charged, nil
}

func (r *MockCreditRepo) Balance(userID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID]
}

func (r *MockCreditRepo) Records() []model.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.UsageRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.usage[id])
	}
	return out
}

// ---- Mock UsageQueryRepository ----

type MockUsageQuery struct {
	Records []*model.UsageRecord
	Filters []model.UsageFilter
}

func (m *MockUsageQuery) List(_ context.Context, f model.UsageFilter) ([]*model.UsageRecord, error) {
	m.Filters = append(m.Filters, f)
	return m.Records, nil
}

func (m *MockUsageQuery) Summarize(_ context.Context, _ model.UsageFilter) (*model.UsageSummary, error) {
	s := &model.UsageSummary{}
	for _, r := range m.Records {
		s.Calls++
		s.Cost += r.Cost
	}
	return s, nil
}

// =============================
// KV store
// =============================

// ---- In-memory LeaseManager ----

type MockLeases struct {
	mu    sync.Mutex
	held  map[string]*model.Lease
	ErrOn map[string]error
	// ReleaseAfterHolder drops the lease of this session right after the
	// next Holder call has reported it.
	ReleaseAfterHolder string
}

func NewMockLeases() *MockLeases {
	return &MockLeases{held: map[string]*model.Lease{}, ErrOn: map[string]error{}}
}

var _ repository.LeaseManager = (*MockLeases)(nil)

func (l *MockLeases) Acquire(_ context.Context, id string, ttl time.Duration) (*model.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ErrOn[id]; err != nil {
		return nil, err
	}
	if h, ok := l.held[id]; ok && time.Now().Before(h.ExpiresAt) {
		return nil, domain.ErrLockConflict
	}
	lease := &model.Lease{SessionID: id, OwnerToken: uuid.NewString(), AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(ttl)}
	l.held[id] = lease
	return lease, nil
}

func (l *MockLeases) Renew(_ context.Context, id, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[id]
	if !ok || h.OwnerToken != token {
		return false, nil
	}
	h.ExpiresAt = time.Now().Add(ttl)
	return true, nil
}

func (l *MockLeases) Release(_ context.Context, id, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[id]
	if !ok || h.OwnerToken != token {
		return false, nil
	}
	delete(l.held, id)
	return true, nil
}

func (l *MockLeases) Holder(_ context.Context, id string) (*model.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[id]
	if !ok {
		return nil, nil
	}
	cp := *h
	if l.ReleaseAfterHolder == id {
		delete(l.held, id)
		l.ReleaseAfterHolder = ""
	}
	return &cp, nil
}

func (l *MockLeases) ForceExpire(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	return nil
}

// ---- Mock StatusStore ----

type MockStatus struct {
	mu         sync.Mutex
	latest     map[string]model.SessionStatus
	History    []model.SessionStatus
	heartbeats map[string]time.Time
	GetErr     error
}

func NewMockStatus() *MockStatus {
	return &MockStatus{latest: map[string]model.SessionStatus{}, heartbeats: map[string]time.Time{}}
}

var _ repository.StatusStore = (*MockStatus)(nil)

func (s *MockStatus) Publish(_ context.Context, st model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[st.SessionID] = st
	s.History = append(s.History, st)
	return nil
}

func (s *MockStatus) Get(_ context.Context, id string) (*model.SessionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	st, ok := s.latest[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &st, nil
}

func (s *MockStatus) Heartbeat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[id] = at
	return nil
}

func (s *MockStatus) LastHeartbeat(_ context.Context, id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.heartbeats[id]
	return at, ok, nil
}

func (s *MockStatus) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, id)
	delete(s.heartbeats, id)
	return nil
}

func (s *MockStatus) States(id string) []model.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.JobState
	for _, st := range s.History {
		if st.SessionID == id && (len(out) == 0 || out[len(out)-1] != st.State) {
			out = append(out, st.State)
		}
	}
	return out
}

// ---- Mock ResponseCache ----

type MockCache struct {
	mu   sync.Mutex
	data map[string]model.CachedCompletion
}

func NewMockCache() *MockCache { return &MockCache{data: map[string]model.CachedCompletion{}} }

var _ repository.ResponseCache = (*MockCache)(nil)

func (c *MockCache) Get(_ context.Context, key string) (*model.CachedCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c *MockCache) Set(_ context.Context, key string, v *model.CachedCompletion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = *v
	return nil
}

func (c *MockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// ---- Mock RateLimiter ----

type MockLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *MockLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[key]++
	return m.counts[key] <= limit, nil
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs fn immediately with NoTX unless WithTxFunc overrides it.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}
