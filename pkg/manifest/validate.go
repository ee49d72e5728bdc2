package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/procverify/internal/assets/schemas"
)

// SchemaID is the schema identifier for task manifests.
const SchemaID = "procverify/v1.0.0/task-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/task/task_type").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns ErrValidationFailed.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a manifest struct against the schema and the semantic
// rules in Check. Unknown fields are already lost in the struct form; use
// ValidateRaw on the original document for strict checks.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return Check(m)
}

// ValidateRaw checks raw JSON data against the embedded task-manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check applies the rules the schema cannot express.
func Check(m *Manifest) error {
	var errs ValidationErrors
	if err := m.Task.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "/task", Message: err.Error()})
	}
	primary := strings.TrimSpace(m.Backends.Primary)
	if primary == "" {
		errs = append(errs, ValidationError{Path: "/backends/primary", Message: "primary backend is required"})
	}
	if m.Backends.Dual() && strings.EqualFold(primary, strings.TrimSpace(m.Backends.Validator)) {
		errs = append(errs, ValidationError{Path: "/backends/validator", Message: "validator must be a different backend than primary"})
	}
	if _, err := m.Run.TimeoutDuration(); err != nil {
		errs = append(errs, ValidationError{Path: "/run/timeout", Message: err.Error()})
	}
	if m.Evidence != nil {
		if !m.Backends.Dual() {
			errs = append(errs, ValidationError{Path: "/evidence", Message: "evidence requires a validator backend"})
		}
		if m.Evidence.Persist && m.Backends.Storage == "" {
			errs = append(errs, ValidationError{Path: "/evidence/persist", Message: "persist requires a storage backend"})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator returns the validator compiled once from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.TaskManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded task-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.TaskManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
