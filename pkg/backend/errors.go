package backend

import (
	"errors"
	"fmt"

	"github.com/3leaps/procverify/pkg/proof"
)

// Sentinel errors for backend operations.
var (
	// ErrInvalidTask indicates the caller supplied an incomplete task. Not retried.
	ErrInvalidTask = errors.New("invalid task")

	// ErrBackendUnavailable indicates a transient transport failure.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnknownJob indicates the backend has no record of the job id.
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotFound indicates the storage URI is unknown.
	ErrNotFound = errors.New("content not found")

	// ErrTimeout indicates the deadline passed before the job was terminal.
	ErrTimeout = errors.New("timed out waiting for job")

	// ErrNotReady indicates a non-blocking result call on a running job.
	ErrNotReady = errors.New("job not ready")

	// ErrCancelled indicates the job was cancelled.
	ErrCancelled = errors.New("job cancelled")
)

// IntegrityError reports fetched content that failed hash verification.
type IntegrityError = proof.IntegrityError

// JobFailedError carries the provider's failure reason for a failed job.
type JobFailedError struct {
	JobID  string
	Reason string
}

// Error implements the error interface.
func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// BackendError wraps backend-specific errors with context.
type BackendError struct {
	// Op is the operation that failed (e.g., "Submit", "Get").
	Op string

	// Backend is the configured backend name.
	Backend string

	// JobID or URI the operation referenced, if any.
	Ref string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Wrap returns a BackendError unless err is nil.
func Wrap(backend, op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Backend: backend, Ref: ref, Err: err}
}

// IsInvalidTask returns true if the task was rejected as incomplete.
func IsInvalidTask(err error) bool {
	return errors.Is(err, ErrInvalidTask)
}

// IsUnavailable returns true if the error is a transient transport failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsUnknownJob returns true if the job id is unknown to the backend.
func IsUnknownJob(err error) bool {
	return errors.Is(err, ErrUnknownJob)
}

// IsNotFound returns true if the storage URI is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTimeout returns true if a wait deadline passed.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotReady returns true if the job was not terminal yet.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// IsCancelled returns true if the job was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsJobFailed returns true if the remote execution failed.
func IsJobFailed(err error) bool {
	var jf *JobFailedError
	return errors.As(err, &jf)
}

// IsIntegrity returns true if fetched content failed verification.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
