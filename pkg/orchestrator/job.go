package orchestrator

import (
	"time"

	"github.com/3leaps/procverify/pkg/backend"
)

// State is the orchestrator's local view of a job.
type State string

const (
	StateCreated   State = "created"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the local view can no longer change.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// JobState maps the local state onto the backend lifecycle vocabulary used
// in registry records.
func (s State) JobState() backend.JobState {
	switch s {
	case StatePolling:
		return backend.StateRunning
	case StateSucceeded:
		return backend.StateSucceeded
	case StateFailed:
		return backend.StateFailed
	case StateTimedOut:
		return backend.StateTimedOut
	case StateCancelled:
		return backend.StateCancelled
	default:
		return backend.StateSubmitted
	}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

func stateFor(remote backend.JobState) State {
	switch remote {
	case backend.StateSucceeded:
		return StateSucceeded
	case backend.StateFailed:
		return StateFailed
	case backend.StateTimedOut:
		return StateTimedOut
	case backend.StateCancelled:
		return StateCancelled
	default:
		return StatePolling
	}
}

// Job is a point-in-time snapshot of an orchestrated job.
type Job struct {
	ID          string           `json:"job_id"`
	Backend     string           `json:"backend"`
	Task        backend.TaskSpec `json:"task"`
	State       State            `json:"state"`
	RemoteState backend.JobState `json:"remote_state,omitempty"`
	Progress    float64          `json:"progress"`
	Polls       int              `json:"polls"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}
