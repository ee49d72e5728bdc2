package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/proof"
)

// Report is the outcome of verifying a package.
type Report struct {
	EvidenceID    string        `json:"evidence_id"`
	Valid         bool          `json:"valid"`
	Verdict       proof.Verdict `json:"verdict"`
	IntegrityHash string        `json:"integrity_hash,omitempty"`
	Checks        []Check       `json:"checks"`
}

// Failed returns the checks that did not pass.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

func (r *Report) add(rule Rule, err error) {
	c := Check{Rule: rule, Passed: err == nil}
	if err != nil {
		c.Detail = err.Error()
		r.Valid = false
	}
	r.Checks = append(r.Checks, c)
}

// Verify re-runs the assembly rules on pkg, including a fresh determinism
// verification of the embedded proofs, and checks its integrity hash.
//
// The verdict inside the report is the recomputed one. A package recording
// a mismatch is still valid evidence of that mismatch.
func (a *Assembler) Verify(pkg *proof.EvidencePackage) (Report, bool) {
	if pkg == nil {
		r := Report{}
		r.add(RuleIntentPresent, fmt.Errorf("evidence package is nil"))
		return r, false
	}

	checks, verdict := checkLayers(a.verifier, pkg.Layers)
	r := Report{EvidenceID: pkg.EvidenceID, Valid: true, Verdict: verdict}
	for _, c := range checks {
		if !c.Passed {
			r.Valid = false
		}
		r.Checks = append(r.Checks, c)
	}

	h, err := Hash(pkg)
	switch {
	case err != nil:
		r.add(RuleIntegrityHash, err)
	case pkg.IntegrityHash == "":
		r.add(RuleIntegrityHash, fmt.Errorf("integrity_hash is missing"))
	case !canonical.EqualHash(h, pkg.IntegrityHash):
		r.add(RuleIntegrityHash, fmt.Errorf("integrity_hash %s does not match recomputed %s", pkg.IntegrityHash, h))
	default:
		r.add(RuleIntegrityHash, nil)
	}
	r.IntegrityHash = h
	return r, r.Valid
}

// VerifyStored is Verify plus a check that the integrity layer stored under
// the package's integrity storage URI is exactly the embedded layer, so the
// payment's proof_cid provably points at this proof pair.
func (a *Assembler) VerifyStored(ctx context.Context, store backend.StorageBackend, pkg *proof.EvidencePackage) (Report, bool) {
	r, _ := a.Verify(pkg)
	if pkg == nil {
		return r, false
	}
	uri := pkg.Layers.Integrity.StorageURI()
	if uri == "" {
		if pkg.Layers.Payment != nil {
			r.add(RuleStoredIntegrity, fmt.Errorf("integrity layer has no storage location"))
		}
		return r, r.Valid
	}
	r.add(RuleStoredIntegrity, storedMatches(ctx, store, uri, pkg.Layers.Integrity))
	return r, r.Valid
}

func storedMatches(ctx context.Context, store backend.StorageBackend, uri string, layer proof.IntegrityLayer) error {
	data, err := store.Get(ctx, uri)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", uri, err)
	}
	stored, err := canonical.JSON(json.RawMessage(data))
	if err != nil {
		return fmt.Errorf("decode %s: %w", uri, err)
	}
	want, err := canonical.JSON(layer.Persistable())
	if err != nil {
		return err
	}
	if !bytes.Equal(stored, want) {
		return fmt.Errorf("integrity layer stored at %s differs from the embedded layer", uri)
	}
	return nil
}
