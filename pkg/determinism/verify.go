// Package determinism decides whether two independently obtained compute
// proofs represent the same logical computation.
//
// Verification is pure: it recomputes each proof's execution hash from the
// material the proof carries, compares the hashes and the container digests,
// and reports a verdict. A mismatch is a verdict, never an error; errors are
// reserved for proofs that cannot be compared at all.
package determinism

import (
	"fmt"
	"strings"

	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/proof"
)

// Verifier compares compute proofs.
//
// The zero value is usable and reports TrustUnchecked for every verdict.
type Verifier struct {
	signatures SignatureVerifier
}

// New returns a Verifier that checks proof signatures with sv. A nil sv
// disables signature checks.
func New(sv SignatureVerifier) *Verifier {
	return &Verifier{signatures: sv}
}

// Verify compares two proofs with no signature checking.
func Verify(a, b proof.ComputeProof) (proof.Verdict, error) {
	return (&Verifier{}).Verify(a, b)
}

// Verify compares a and b. The verdict does not depend on argument order.
//
// Returns an error wrapping proof.ErrMalformedProof if either proof lacks a
// method or an execution hash.
func (v *Verifier) Verify(a, b proof.ComputeProof) (proof.Verdict, error) {
	if err := a.Validate(); err != nil {
		return proof.Verdict{}, err
	}
	if err := b.Validate(); err != nil {
		return proof.Verdict{}, err
	}

	trust := v.trust(a, b)
	verdict := func(status proof.VerificationStatus, reason string) proof.Verdict {
		return proof.NewVerdict(status, reason, normalizeHash(a.ExecutionHash), normalizeHash(b.ExecutionHash), trust)
	}

	okA, err := hashConsistent(a)
	if err != nil {
		return proof.Verdict{}, err
	}
	okB, err := hashConsistent(b)
	if err != nil {
		return proof.Verdict{}, err
	}
	if !okA || !okB {
		return verdict(proof.StatusMismatched, proof.ReasonHashRecomputeMismatch), nil
	}

	if strings.TrimSpace(a.DockerDigest) == "" || strings.TrimSpace(b.DockerDigest) == "" {
		return verdict(proof.StatusMismatched, proof.ReasonCodeIdentityUnverifiable), nil
	}

	sameHash := normalizeHash(a.ExecutionHash) == normalizeHash(b.ExecutionHash)
	sameCode := canonical.EqualHash(a.DockerDigest, b.DockerDigest)
	switch {
	case sameHash && !sameCode:
		return verdict(proof.StatusMismatched, proof.ReasonCodeDivergence), nil
	case !sameHash:
		return verdict(proof.StatusMismatched, proof.ReasonOutputDivergence), nil
	default:
		return verdict(proof.StatusMatched, ""), nil
	}
}

// Compare verifies the proofs of a dual execution and returns the integrity
// layer with both process proofs marked with the outcome.
func (v *Verifier) Compare(primary, validator proof.ProcessProof) (proof.IntegrityLayer, error) {
	verdict, err := v.Verify(primary.Proof, validator.Proof)
	if err != nil {
		return proof.IntegrityLayer{}, err
	}
	return proof.IntegrityLayer{
		Primary:   primary.WithStatus(verdict.Status),
		Validator: validator.WithStatus(verdict.Status),
		Match:     verdict.Matched(),
		Verdict:   verdict,
	}, nil
}

// hashConsistent reports whether the declared execution hash equals the one
// recomputed from the proof's own material. Proofs without material are
// taken at their declared hash.
func hashConsistent(p proof.ComputeProof) (bool, error) {
	if !p.Recomputable() {
		return true, nil
	}
	recomputed, err := p.RecomputeExecutionHash()
	if err != nil {
		return false, fmt.Errorf("recompute execution hash: %w", err)
	}
	return normalizeHash(recomputed) == normalizeHash(p.ExecutionHash), nil
}

// normalizeHash lowercases and ensures the sha256: prefix so that the
// byte-for-byte comparison is insensitive to hex case and prefix style.
func normalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "0x")
	if !strings.Contains(h, ":") {
		h = "sha256:" + h
	}
	return h
}

func (v *Verifier) trust(a, b proof.ComputeProof) proof.TrustLevel {
	if v == nil || v.signatures == nil {
		return proof.TrustUnchecked
	}
	if !a.Signed() || !b.Signed() {
		return proof.TrustUnsigned
	}
	if v.signatures.VerifySignature(a) != nil || v.signatures.VerifySignature(b) != nil {
		return proof.TrustSignatureInvalid
	}
	return proof.TrustSignatureVerified
}
