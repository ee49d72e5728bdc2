// Package backend defines the uniform capability set over heterogeneous
// compute and storage providers.
//
// Implementations live in subpackages (local, eigen, s3, pinata) and are
// selected by name through a Registry at configuration time. Callers depend
// only on the interfaces here, so providers are swappable without changing
// orchestration or verification code.
package backend

import (
	"context"
	"time"

	"github.com/3leaps/procverify/pkg/proof"
)

// ComputeBackend runs tasks asynchronously and reports their proofs.
//
// Implementations must be safe for concurrent use by multiple in-flight jobs.
type ComputeBackend interface {
	// Submit starts a task and returns its backend-assigned id without
	// waiting for completion.
	// Returns ErrInvalidTask for incomplete tasks and ErrBackendUnavailable
	// when the provider cannot be reached.
	Submit(ctx context.Context, task TaskSpec) (string, error)

	// Status returns the current state of a job. It is a pure query.
	// Returns ErrUnknownJob if the backend has no record of jobID.
	Status(ctx context.Context, jobID string) (JobStatus, error)

	// Result returns the output and proof of a terminal job.
	//
	// Without Wait it returns ErrNotReady for non-terminal jobs. With Wait it
	// blocks until the job is terminal or Timeout elapses (ErrTimeout).
	// Failed jobs return *JobFailedError. Repeated calls on a succeeded job
	// return the same proof.
	Result(ctx context.Context, jobID string, opts ResultOptions) (*JobResult, error)

	// Name returns the configured backend name.
	Name() string
}

// StorageBackend stores blobs under content-derived URIs.
//
// Implementations must be safe for concurrent use.
type StorageBackend interface {
	// Put stores data and returns its URI with a storage proof.
	Put(ctx context.Context, data []byte, metadata map[string]string) (*StoragePutResult, error)

	// Get fetches data and verifies it against its content hash before
	// returning it. Returns ErrNotFound for unknown URIs and *IntegrityError
	// when the content does not match.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Exists reports whether uri is stored.
	Exists(ctx context.Context, uri string) (bool, error)

	// GetProof returns the storage proof for uri.
	// Returns ErrNotFound for unknown URIs.
	GetProof(ctx context.Context, uri string) (*proof.StorageProof, error)

	// Name returns the configured backend name.
	Name() string
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateSubmitted JobState = "submitted"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case StateSubmitted, StateRunning, StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s JobState) String() string {
	return string(s)
}

// JobStatus is a point-in-time observation of a job.
type JobStatus struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	Progress float64  `json:"progress"`

	// Message carries the provider failure reason for failed jobs.
	Message string `json:"message,omitempty"`
}

// ResultOptions controls Result.
type ResultOptions struct {
	Wait    bool
	Timeout time.Duration
}

// JobResult is the outcome of a succeeded job.
type JobResult struct {
	JobID  string             `json:"job_id"`
	Output any                `json:"output"`
	Proof  proof.ComputeProof `json:"proof"`
}

// StoragePutResult is returned by Put.
type StoragePutResult struct {
	URI   string             `json:"uri"`
	Proof proof.StorageProof `json:"proof"`
}
