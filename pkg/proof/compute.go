package proof

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/procverify/pkg/canonical"
)

// ErrMalformedProof indicates a proof is missing fields required to compare it.
var ErrMalformedProof = errors.New("malformed compute proof")

// ComputeProof is evidence that a compute job executed as claimed.
//
// CodeIdentity, Inputs and Output are the material the execution hash is
// computed from. They travel with the proof so that any holder can recompute
// ExecutionHash offline. They may be absent for providers that only return a
// declared hash; the proof is then comparable but not recomputable.
type ComputeProof struct {
	Method        Method         `json:"method"`
	DockerDigest  string         `json:"docker_digest,omitempty"`
	EnclavePubKey string         `json:"enclave_pubkey,omitempty"`
	Attestation   []byte         `json:"attestation,omitempty"`
	ExecutionHash string         `json:"execution_hash"`
	Signature     string         `json:"signature,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CodeIdentity  string         `json:"code_identity,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        any            `json:"output,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CodeIdentity names the logical code a task runs: task type and model.
//
// The container digest is deliberately not part of it; digests are compared
// separately so that identical output from different images is detectable.
func CodeIdentity(taskType, model string) string {
	taskType = strings.ToLower(canonical.FoldSpace(taskType))
	model = canonical.FoldSpace(model)
	if model == "" {
		return taskType
	}
	return taskType + "/" + model
}

// executionMaterial is the hashed envelope. Field order is irrelevant because
// the encoding is canonical.
type executionMaterial struct {
	Code   string         `json:"code"`
	Inputs map[string]any `json:"inputs"`
	Output any            `json:"output"`
}

// ComputeExecutionHash returns the canonical hash over code identity,
// normalized inputs and normalized output.
//
// It is a pure function of its arguments: no clock, seed or provider
// identity takes part.
func ComputeExecutionHash(codeIdentity string, inputs map[string]any, output any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	b, err := canonical.NormalizedJSON(executionMaterial{
		Code:   canonical.FoldSpace(codeIdentity),
		Inputs: inputs,
		Output: output,
	})
	if err != nil {
		return "", fmt.Errorf("execution hash: %w", err)
	}
	return canonical.Hash(b), nil
}

// Recomputable reports whether the proof carries enough material to
// recompute its execution hash.
func (p ComputeProof) Recomputable() bool {
	return strings.TrimSpace(p.CodeIdentity) != ""
}

// RecomputeExecutionHash recomputes the execution hash from the embedded
// material. It returns ErrMalformedProof if the proof is not recomputable.
func (p ComputeProof) RecomputeExecutionHash() (string, error) {
	if !p.Recomputable() {
		return "", fmt.Errorf("%w: no code identity to recompute from", ErrMalformedProof)
	}
	return ComputeExecutionHash(p.CodeIdentity, p.Inputs, p.Output)
}

// Validate checks the fields every comparable proof must carry.
func (p ComputeProof) Validate() error {
	if !p.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrMalformedProof, p.Method)
	}
	if strings.TrimSpace(p.ExecutionHash) == "" {
		return fmt.Errorf("%w: execution_hash is required", ErrMalformedProof)
	}
	return nil
}

// Signed reports whether the proof carries a signature and a key to check it.
func (p ComputeProof) Signed() bool {
	return p.Signature != "" && p.EnclavePubKey != ""
}

// SigningBytes returns the canonical serialization the enclave signs: the
// proof with its signature field cleared.
func (p ComputeProof) SigningBytes() ([]byte, error) {
	p.Signature = ""
	return canonical.JSON(p)
}

// Digest returns the canonical hash of the complete proof, signature included.
func (p ComputeProof) Digest() (string, error) {
	return canonical.HashJSON(p)
}
