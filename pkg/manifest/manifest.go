// Package manifest provides loading and validation of procverify task manifests.
//
// A task manifest is a YAML or JSON file that describes one verifiable
// computation: the task submitted to the TEE backends, which configured
// backends run it, and where the resulting proofs and evidence go.
//
// Manifests are validated against an embedded JSON Schema before execution.
// The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	task:
//	  task_type: inference
//	  model: risk-eval
//	  inputs:
//	    amount: 500
//	  docker_image: ghcr.io/acme/risk-eval:1
//	backends:
//	  primary: alice-tee
//	  validator: bob-tee
//	  storage: ipfs
//	run:
//	  timeout: 120s
//	output:
//	  destination: stdout
package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/procverify/pkg/backend"
)

// Manifest represents a validated task manifest.
//
// Version, Task and Backends.Primary are required. Everything else has
// defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Task is submitted unchanged to every backend.
	Task backend.TaskSpec `json:"task" yaml:"task"`

	// Backends names configured backends by instance name.
	Backends BackendsConfig `json:"backends" yaml:"backends"`

	// Run configures execution (optional).
	Run RunConfig `json:"run,omitempty" yaml:"run,omitempty"`

	// Evidence configures evidence assembly (optional).
	Evidence *EvidenceConfig `json:"evidence,omitempty" yaml:"evidence,omitempty"`

	// Output configures output destination (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`

	// dir is the directory the manifest was loaded from.
	dir string
}

// BackendsConfig selects backend instances from the loaded configuration.
type BackendsConfig struct {
	// Primary is the compute backend whose result is delivered.
	Primary string `json:"primary" yaml:"primary"`

	// Validator is the independent compute backend. When set, the task
	// runs on both and the pair is verified for determinism.
	Validator string `json:"validator,omitempty" yaml:"validator,omitempty"`

	// Storage is the storage backend the integrity layer is persisted to.
	Storage string `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// Dual reports whether the manifest requests a dual execution.
func (b BackendsConfig) Dual() bool {
	return b.Validator != ""
}

// RunConfig configures job execution.
type RunConfig struct {
	// Timeout bounds each backend execution, as a Go duration ("300s").
	// Default: 300s.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EvidenceConfig configures evidence assembly after a dual run.
type EvidenceConfig struct {
	// IntentFile is a JSON file holding the pre-verified intent or mandate.
	// Relative paths resolve against the manifest's directory.
	IntentFile string `json:"intent_file" yaml:"intent_file"`

	// Service and AppID are recorded in the payment metadata.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	AppID   string `json:"app_id,omitempty" yaml:"app_id,omitempty"`

	// Persist stores the finished package on the storage backend.
	Persist bool `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// OutputConfig configures output destination.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/output.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultTimeout matches the orchestrator's default job timeout.
	DefaultTimeout = "300s"

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Run.Timeout == "" {
		m.Run.Timeout = DefaultTimeout
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	m.Task = m.Task.WithDefaults()
	if m.Evidence != nil && m.Evidence.Service == "" {
		m.Evidence.Service = m.Task.Model
	}
}

// TimeoutDuration returns the parsed run timeout.
func (r RunConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return time.ParseDuration(DefaultTimeout)
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid run.timeout %q: %w", r.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("run.timeout must be positive, got %s", r.Timeout)
	}
	return d, nil
}
