package backend

import (
	"fmt"
	"strings"

	"github.com/3leaps/procverify/pkg/proof"
)

// DefaultVerification is applied when a task names no verification method.
const DefaultVerification = proof.MethodTEEML

// TaskSpec is the task submission contract.
type TaskSpec struct {
	TaskType     string         `json:"task_type" yaml:"task_type" mapstructure:"task_type"`
	Model        string         `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	Inputs       map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty" mapstructure:"inputs"`
	Verification proof.Method   `json:"verification,omitempty" yaml:"verification,omitempty" mapstructure:"verification"`
	DockerImage  string         `json:"docker_image,omitempty" yaml:"docker_image,omitempty" mapstructure:"docker_image"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
}

// WithDefaults returns a copy with the default verification method applied.
func (t TaskSpec) WithDefaults() TaskSpec {
	if t.Verification == "" {
		t.Verification = DefaultVerification
	}
	return t
}

// Validate returns an error wrapping ErrInvalidTask if required fields are
// missing. A task needs a type and either a model or inputs.
func (t TaskSpec) Validate() error {
	if strings.TrimSpace(t.TaskType) == "" {
		return fmt.Errorf("%w: task_type is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Model) == "" && len(t.Inputs) == 0 {
		return fmt.Errorf("%w: model or inputs are required", ErrInvalidTask)
	}
	if t.Verification != "" && (!t.Verification.Valid() || t.Verification == proof.MethodNone) {
		return fmt.Errorf("%w: unsupported verification %q", ErrInvalidTask, t.Verification)
	}
	return nil
}

// CodeIdentity returns the logical code identity the execution hash binds.
func (t TaskSpec) CodeIdentity() string {
	return proof.CodeIdentity(t.TaskType, t.Model)
}
