package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDeferred   JobStatus = "deferred"
)

type GenerationMode string

const (
	ModeReplace GenerationMode = "replace"
	ModeAppend  GenerationMode = "append"
)

// JobOptions tune one generation pass. Zero counts fall back to configured defaults.
type JobOptions struct {
	Mode       GenerationMode `json:"mode,omitempty"`
	Topics     int            `json:"topics,omitempty"`
	Flashcards int            `json:"flashcards,omitempty"`
	Questions  int            `json:"questions,omitempty"`
	Model      string         `json:"model,omitempty"`
}

// Job is a queue row; many jobs may reference one session over time.
type Job struct {
	ID        string
	SessionID string
	UserID    string
	Status    JobStatus
	Attempts  int
	LastError string
	Options   JobOptions
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewJob(sessionID, userID string, opts JobOptions) *Job {
	if opts.Mode == "" {
		opts.Mode = ModeReplace
	}
	now := time.Now()
	return &Job{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		SessionID: sessionID,
		UserID:    userID,
		Status:    JobStatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SubmitResult is returned by submit_job.
type SubmitResult struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id,omitempty"`
	Accepted  bool   `json:"accepted"`
	Deferred  bool   `json:"deferred"`
}
