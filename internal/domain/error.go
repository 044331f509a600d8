package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrTooManyFiles       = errors.New("too many files")
	ErrRateLimited        = errors.New("too many submissions")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Pipeline errors
	ErrLockConflict        = errors.New("session is locked by another worker")
	ErrExtraction          = errors.New("text extraction failed")
	ErrUnsupportedFormat   = errors.New("unsupported file format")
	ErrNoContentExtracted  = errors.New("no content extracted")
	ErrTransientLLM        = errors.New("transient llm error")
	ErrFatalLLM            = errors.New("fatal llm error")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPersistence         = errors.New("persistence failed")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrJobTimeout          = errors.New("job time limit exceeded")
	ErrLeaseLost           = errors.New("lease lost")
)

// Stable error codes published in job status.
const (
	CodeLockConflict        = "LockConflict"
	CodeExtractionError     = "ExtractionError"
	CodeNoContentExtracted  = "NoContentExtracted"
	CodeTransientLLMError   = "TransientLLMError"
	CodeFatalLLMError       = "FatalLLMError"
	CodeInsufficientCredits = "InsufficientCredits"
	CodePersistenceError    = "PersistenceError"
	CodeMaxRetriesExceeded  = "MaxRetriesExceeded"
	CodeHeartbeatTimeout    = "HeartbeatTimeout"
	CodeJobTimeout          = "JobTimeout"
	CodeLeaseLost           = "LeaseLost"
	CodeNotFound            = "NotFound"
	CodeInvalidArgument     = "InvalidArgument"
	CodeInternal            = "Internal"
)

var codeTable = []struct {
	err  error
	code string
}{
	{ErrInsufficientCredits, CodeInsufficientCredits},
	{ErrMaxRetriesExceeded, CodeMaxRetriesExceeded},
	{ErrHeartbeatTimeout, CodeHeartbeatTimeout},
	{ErrLeaseLost, CodeLeaseLost},
	{ErrJobTimeout, CodeJobTimeout},
	{ErrNoContentExtracted, CodeNoContentExtracted},
	{ErrFatalLLM, CodeFatalLLMError},
	{ErrTransientLLM, CodeTransientLLMError},
	{ErrPersistence, CodePersistenceError},
	{ErrLockConflict, CodeLockConflict},
	{ErrExtraction, CodeExtractionError},
	{ErrUnsupportedFormat, CodeExtractionError},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrTooManyFiles, CodeInvalidArgument},
}

// CodeOf maps any error to a stable status code. Unknown errors are Internal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) && je.Code != "" {
		return je.Code
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// InsufficientCreditsError reports a failed pre-check or deduction.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required=%d available=%d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// JobError is the terminal error recorded on a failed job.
type JobError struct {
	Code      string
	Message   string
	Required  int64
	Available int64
	Err       error
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError classifies err and carries credit figures when present.
func NewJobError(err error) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	out := &JobError{Code: CodeOf(err), Message: err.Error(), Err: err}
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		out.Required = ice.Required
		out.Available = ice.Available
	}
	return out
}
