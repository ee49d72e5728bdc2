package jobregistry

import (
	"time"

	"github.com/3leaps/procverify/pkg/backend"
)

// JobRecord is the persistent record of one orchestrated job.
//
// NOTE: Records are written as JSON by every store and are part of the
// stable on-disk contract. Extend additively.
type JobRecord struct {
	JobID        string           `json:"job_id"`
	Backend      string           `json:"backend"`
	State        backend.JobState `json:"state"`
	TaskType     string           `json:"task_type"`
	Model        string           `json:"model,omitempty"`
	CodeIdentity string           `json:"code_identity,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`

	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Polls         int        `json:"polls,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ExecutionHash string     `json:"execution_hash,omitempty"`
	DockerDigest  string     `json:"docker_digest,omitempty"`
	ProofDigest   string     `json:"proof_digest,omitempty"`
}

// RecordID returns the registry key of a record. Job ids are only unique per
// backend, so the key includes both.
func RecordID(backendName, jobID string) string {
	return backendName + "--" + jobID
}

// ID returns the registry key of r.
func (r *JobRecord) ID() string {
	return RecordID(r.Backend, r.JobID)
}
