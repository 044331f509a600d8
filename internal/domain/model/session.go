package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"hackthestudy/internal/domain"
)

// JobState is the lifecycle state of a session's analysis job.
type JobState string

const (
	StatePending    JobState = "PENDING"
	StateLockWait   JobState = "LOCK_WAIT"
	StateExtracting JobState = "EXTRACTING"
	StateEstimating JobState = "ESTIMATING"
	StateGenerating JobState = "GENERATING"
	StatePersisting JobState = "PERSISTING"
	StateRetrying   JobState = "RETRYING"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
)

// MaxFilesPerSession bounds the uploaded file set of one session.
const MaxFilesPerSession = 5

var forward = map[JobState]JobState{
	StatePending:    StateLockWait,
	StateLockWait:   StateExtracting,
	StateExtracting: StateEstimating,
	StateEstimating: StateGenerating,
	StateGenerating: StatePersisting,
	StatePersisting: StateCompleted,
}

// IsTerminal reports whether no worker is expected to act on the state.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsActive reports whether a lease holder is working the session.
func (s JobState) IsActive() bool {
	switch s {
	case StateLockWait, StateExtracting, StateEstimating, StateGenerating, StatePersisting, StateRetrying:
		return true
	}
	return false
}

// Progress is the coarse percentage published alongside the state.
func (s JobState) Progress() int {
	switch s {
	case StateLockWait:
		return 5
	case StateExtracting:
		return 15
	case StateEstimating:
		return 30
	case StateGenerating:
		return 40
	case StatePersisting:
		return 90
	case StateCompleted:
		return 100
	}
	return 0
}

// CanTransition validates a state move. FAILED and RETRYING are reachable
// from every active state, RETRYING re-enters EXTRACTING, and terminal
// states may be re-queued for reanalysis.
func CanTransition(from, to JobState) bool {
	if to == StateFailed || to == StateRetrying {
		return from.IsActive()
	}
	if from == StateRetrying {
		return to == StateExtracting || to == StateLockWait
	}
	if from.IsTerminal() {
		return to == StatePending
	}
	return forward[from] == to
}

type ExtractionStatus string

const (
	ExtractionPending ExtractionStatus = "pending"
	ExtractionOK      ExtractionStatus = "ok"
	ExtractionSkipped ExtractionStatus = "skipped"
	ExtractionError   ExtractionStatus = "error"
)

// UploadedFile is immutable once stored, apart from its extraction outcome.
type UploadedFile struct {
	ID               string
	SessionID        string
	Name             string
	MimeType         string
	Content          []byte
	ExtractionStatus ExtractionStatus
	ExtractionError  string
	CreatedAt        time.Time
}

func NewUploadedFile(sessionID, name, mimeType string, content []byte) *UploadedFile {
	return &UploadedFile{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Name:             name,
		MimeType:         mimeType,
		Content:          content,
		ExtractionStatus: ExtractionPending,
		CreatedAt:        time.Now(),
	}
}

// Session is the unit of work tied to one uploaded document set.
type Session struct {
	ID                string
	UserID            string // empty for anonymous sessions
	Status            JobState
	MergedText        string
	PendingReanalysis bool
	OwnerToken        string
	RetryCount        int
	ErrorCode         string
	ErrorMessage      string
	ErrorRequired     int64
	ErrorAvailable    int64
	CreatedAt         time.Time
	StartedAt         *time.Time
	HeartbeatAt       *time.Time
	CompletedAt       *time.Time
}

func NewSession(id, userID string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidArgument)
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		Status:    StatePending,
		CreatedAt: time.Now(),
	}, nil
}

// StatusError is the user-visible failure detail.
type StatusError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available,omitempty"`
}

// SessionStatus is what get_status reports.
type SessionStatus struct {
	SessionID string       `json:"session_id"`
	State     JobState     `json:"state"`
	Progress  int          `json:"progress_percent"`
	Error     *StatusError `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StatusFromSession derives a status from the persisted row.
func StatusFromSession(s *Session) SessionStatus {
	st := SessionStatus{
		SessionID: s.ID,
		State:     s.Status,
		Progress:  s.Status.Progress(),
		UpdatedAt: s.CreatedAt,
	}
	if s.HeartbeatAt != nil {
		st.UpdatedAt = *s.HeartbeatAt
	}
	if s.CompletedAt != nil {
		st.UpdatedAt = *s.CompletedAt
	}
	if s.Status == StateFailed && s.ErrorCode != "" {
		st.Error = &StatusError{
			Code:      s.ErrorCode,
			Message:   s.ErrorMessage,
			Required:  s.ErrorRequired,
			Available: s.ErrorAvailable,
		}
	}
	return st
}

// StatusFromJobError builds a FAILED status.
func StatusFromJobError(sessionID string, je *domain.JobError) SessionStatus {
	return SessionStatus{
		SessionID: sessionID,
		State:     StateFailed,
		Progress:  0,
		Error: &StatusError{
			Code:      je.Code,
			Message:   je.Message,
			Required:  je.Required,
			Available: je.Available,
		},
		UpdatedAt: time.Now(),
	}
}
