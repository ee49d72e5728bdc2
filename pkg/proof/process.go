package proof

import (
	"fmt"
	"sort"
)

// Role identifies which logical execution produced a proof.
type Role string

const (
	RolePrimary   Role = "primary-executor"
	RoleValidator Role = "re-execution-validator"
)

// VerificationStatus is the determinism outcome attached to a ProcessProof.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusMatched    VerificationStatus = "matched"
	StatusMismatched VerificationStatus = "mismatched"
)

// Mismatch reasons reported in Verdict.Reason.
const (
	ReasonCodeIdentityUnverifiable = "code-identity-unverifiable"
	ReasonCodeDivergence           = "code-divergence"
	ReasonOutputDivergence         = "output-divergence"
	ReasonHashRecomputeMismatch    = "hash-recompute-mismatch"
)

// TrustLevel records whether signature verification was performed and how it
// turned out. It qualifies a verdict but never changes it.
type TrustLevel string

const (
	TrustSignatureVerified TrustLevel = "signature-verified"
	TrustSignatureInvalid  TrustLevel = "signature-invalid"
	TrustUnsigned          TrustLevel = "unsigned"
	TrustUnchecked         TrustLevel = "unchecked"
)

// Verdict is the result of comparing two compute proofs.
type Verdict struct {
	Status         VerificationStatus `json:"status"`
	Reason         string             `json:"reason,omitempty"`
	ComparedHashes [2]string          `json:"compared_hashes"`
	TrustLevel     TrustLevel         `json:"trust_level"`
}

// NewVerdict builds a verdict with the compared hashes in sorted order, so
// the value does not depend on which proof was passed first.
func NewVerdict(status VerificationStatus, reason string, a, b string, trust TrustLevel) Verdict {
	hashes := []string{a, b}
	sort.Strings(hashes)
	return Verdict{
		Status:         status,
		Reason:         reason,
		ComparedHashes: [2]string{hashes[0], hashes[1]},
		TrustLevel:     trust,
	}
}

// Matched reports whether the verdict is a match.
func (v Verdict) Matched() bool {
	return v.Status == StatusMatched
}

// IsZero reports whether no verdict has been produced.
func (v Verdict) IsZero() bool {
	return v.Status == ""
}

// String returns a short human readable form.
func (v Verdict) String() string {
	if v.Reason == "" {
		return string(v.Status)
	}
	return fmt.Sprintf("%s (%s)", v.Status, v.Reason)
}

// ProcessProof is one compute proof plus the role that produced it and the
// determinism status derived for it.
type ProcessProof struct {
	Role               Role               `json:"role"`
	Backend            string             `json:"backend,omitempty"`
	JobID              string             `json:"job_id,omitempty"`
	Proof              ComputeProof       `json:"proof"`
	VerificationStatus VerificationStatus `json:"verification_status"`
}

// NewProcessProof wraps a compute proof in the unverified state.
func NewProcessProof(role Role, backend, jobID string, p ComputeProof) ProcessProof {
	return ProcessProof{
		Role:               role,
		Backend:            backend,
		JobID:              jobID,
		Proof:              p,
		VerificationStatus: StatusUnverified,
	}
}

// WithStatus returns a copy carrying status.
func (pp ProcessProof) WithStatus(status VerificationStatus) ProcessProof {
	pp.VerificationStatus = status
	return pp
}

// Present reports whether pp carries a comparable proof.
func (pp ProcessProof) Present() bool {
	return pp.Proof.ExecutionHash != ""
}
