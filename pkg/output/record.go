// Package output provides JSONL output for verification runs.
//
// Output is structured as typed record envelopes containing job
// transitions, process proofs, verdicts, evidence packages and errors.
// Each line is a self-contained JSON object that can be parsed
// independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/proof"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: procverify.<type>.v<version>
const (
	// TypeJob identifies job lifecycle records.
	TypeJob = "procverify.job.v1"

	// TypeProof identifies process proof records.
	TypeProof = "procverify.proof.v1"

	// TypeVerdict identifies determinism verdict records.
	TypeVerdict = "procverify.verdict.v1"

	// TypeEvidence identifies evidence package records.
	TypeEvidence = "procverify.evidence.v1"

	// TypeError identifies error records.
	TypeError = "procverify.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "procverify.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "procverify.proof.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates every record emitted by one run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for a job reaching a terminal state.
type JobRecord struct {
	JobID       string           `json:"job_id"`
	Backend     string           `json:"backend"`
	Role        proof.Role       `json:"role,omitempty"`
	State       string           `json:"state"`
	RemoteState backend.JobState `json:"remote_state,omitempty"`
	Polls       int              `json:"polls"`
	Reason      string           `json:"reason,omitempty"`
	Duration    time.Duration    `json:"duration_ns,omitempty"`
}

// ProofRecord is the data payload for one process proof.
type ProofRecord struct {
	proof.ProcessProof
}

// VerdictRecord is the data payload for a determinism verdict.
type VerdictRecord struct {
	Verdict       proof.Verdict `json:"verdict"`
	Match         bool          `json:"match"`
	PrimaryHash   string        `json:"primary_hash"`
	ValidatorHash string        `json:"validator_hash,omitempty"`
	StorageURI    string        `json:"storage_uri,omitempty"`
}

// EvidenceRecord is the data payload for an assembled evidence package.
type EvidenceRecord struct {
	EvidenceID    string `json:"evidence_id"`
	IntegrityHash string `json:"integrity_hash"`
	StorageURI    string `json:"storage_uri,omitempty"`

	// PaymentMetadata is what a settlement must carry to link to this
	// package's integrity layer. Present when the layer was persisted.
	PaymentMetadata *proof.PaymentMetadata `json:"payment_metadata,omitempty"`

	// Package is the full package, included when it is not persisted.
	Package *proof.EvidencePackage `json:"package,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Backend is the backend instance involved, if any.
	Backend string `json:"backend,omitempty"`

	// JobID is the backend job involved, if any.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidTask         = "INVALID_TASK"
	ErrCodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	ErrCodeUnknownJob          = "UNKNOWN_JOB"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeJobFailed           = "JOB_FAILED"
	ErrCodeIntegrity           = "INTEGRITY"
	ErrCodeIncompleteEvidence  = "INCOMPLETE_EVIDENCE"
	ErrCodeVerificationFailure = "VERIFICATION_FAILED"
	ErrCodeInternal            = "INTERNAL"
)

// ErrorCode classifies err using the backend error taxonomy.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case backend.IsInvalidTask(err):
		return ErrCodeInvalidTask
	case backend.IsJobFailed(err):
		return ErrCodeJobFailed
	case backend.IsIntegrity(err):
		return ErrCodeIntegrity
	case backend.IsTimeout(err):
		return ErrCodeTimeout
	case backend.IsCancelled(err):
		return ErrCodeCancelled
	case backend.IsUnknownJob(err):
		return ErrCodeUnknownJob
	case backend.IsNotFound(err):
		return ErrCodeNotFound
	case backend.IsUnavailable(err):
		return ErrCodeBackendUnavailable
	default:
		return ErrCodeInternal
	}
}

// NewErrorRecord builds an error record for err.
func NewErrorRecord(err error) *ErrorRecord {
	rec := &ErrorRecord{Code: ErrorCode(err), Message: err.Error()}
	var be *backend.BackendError
	if errors.As(err, &be) {
		rec.Backend = be.Backend
		rec.JobID = be.Ref
	}
	return rec
}

// SummaryRecord is the data payload for final summaries.
type SummaryRecord struct {
	// Jobs is the number of backend jobs run.
	Jobs int `json:"jobs"`

	// Status is the final verification status, empty for single runs.
	Status proof.VerificationStatus `json:"status,omitempty"`

	// Match is true when the dual execution matched.
	Match bool `json:"match"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Errors is the count of errors encountered.
	Errors int `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
