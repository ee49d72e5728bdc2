package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/procverify/pkg/canonical"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/proof"
)

// Rule names one evidence consistency rule.
type Rule string

// Assembly rules, in evaluation order.
const (
	RuleIntentPresent           Rule = "intent-present"
	RuleIntegrityPairPresent    Rule = "integrity-pair-present"
	RuleVerdictPresent          Rule = "verdict-present"
	RuleIntegrityStoragePresent Rule = "integrity-storage-present"
	RulePaymentLinkage          Rule = "payment-linkage"
)

// Additional checks performed only when verifying a finished package.
const (
	RuleIntegrityHash   Rule = "integrity-hash"
	RuleStoredIntegrity Rule = "stored-integrity"
)

// IncompleteEvidenceError names the first violated assembly rule.
type IncompleteEvidenceError struct {
	Rule   Rule
	Detail string
}

// Error implements the error interface.
func (e *IncompleteEvidenceError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("incomplete evidence: %s", e.Rule)
	}
	return fmt.Sprintf("incomplete evidence: %s: %s", e.Rule, e.Detail)
}

// IsIncomplete reports whether err is an *IncompleteEvidenceError.
func IsIncomplete(err error) bool {
	var ie *IncompleteEvidenceError
	return errors.As(err, &ie)
}

// Check is the outcome of one rule.
type Check struct {
	Rule   Rule   `json:"rule"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// checkLayers evaluates the assembly rules against layers. Assembly and
// verification share it so both give the same answer for the same input.
func checkLayers(v *determinism.Verifier, layers proof.Layers) ([]Check, proof.Verdict) {
	checks := make([]Check, 0, 5)
	add := func(r Rule, err error) {
		c := Check{Rule: r, Passed: err == nil}
		if err != nil {
			c.Detail = err.Error()
		}
		checks = append(checks, c)
	}

	add(RuleIntentPresent, intentPresent(layers.Intent))

	integrity := layers.Integrity
	var (
		verdict   proof.Verdict
		verifyErr error
	)
	switch {
	case !integrity.Primary.Present():
		verifyErr = fmt.Errorf("primary process proof is missing")
	case !integrity.Validator.Present():
		verifyErr = fmt.Errorf("validator process proof is missing")
	default:
		verdict, verifyErr = v.Verify(integrity.Primary.Proof, integrity.Validator.Proof)
	}
	add(RuleIntegrityPairPresent, verifyErr)

	switch {
	case verifyErr != nil:
		add(RuleVerdictPresent, fmt.Errorf("no comparable proof pair"))
	default:
		add(RuleVerdictPresent, verdictConsistent(integrity, verdict))
	}

	add(RuleIntegrityStoragePresent, storagePresent(layers))
	add(RulePaymentLinkage, paymentLinked(layers))
	return checks, verdict
}

func intentPresent(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("intent layer is missing")
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("intent layer is not valid JSON")
	}
	empty := false
	switch t := v.(type) {
	case nil:
		empty = true
	case map[string]any:
		empty = len(t) == 0
	case []any:
		empty = len(t) == 0
	case string:
		empty = strings.TrimSpace(t) == ""
	}
	if empty {
		return fmt.Errorf("intent layer is empty")
	}
	return nil
}

// verdictConsistent requires a recorded verdict that agrees with the one
// recomputed from the embedded proofs. Trust level is not compared; it
// depends on which signature verifier the checker runs.
func verdictConsistent(integrity proof.IntegrityLayer, recomputed proof.Verdict) error {
	recorded := integrity.Verdict
	if recorded.IsZero() {
		return fmt.Errorf("no verdict recorded for the proof pair")
	}
	if recorded.Status != recomputed.Status || recorded.Reason != recomputed.Reason || recorded.ComparedHashes != recomputed.ComparedHashes {
		return fmt.Errorf("recorded verdict %s does not match recomputed %s", recorded, recomputed)
	}
	if integrity.Match != recorded.Matched() {
		return fmt.Errorf("match flag %t contradicts verdict %s", integrity.Match, recorded)
	}
	return nil
}

func storagePresent(layers proof.Layers) error {
	if layers.Payment == nil {
		return nil
	}
	if strings.TrimSpace(layers.Integrity.StorageURI()) == "" {
		return fmt.Errorf("payment layer present but integrity layer has no storage location")
	}
	return nil
}

func paymentLinked(layers proof.Layers) error {
	p := layers.Payment
	if p == nil {
		return nil
	}
	uri := layers.Integrity.StorageURI()
	if uri == "" {
		return fmt.Errorf("integrity layer has no storage location")
	}
	if !canonical.SameURI(p.ProofCID, uri) {
		return fmt.Errorf("proof_cid %q does not equal integrity storage uri %q", p.ProofCID, uri)
	}
	if p.ExecHash != "" && !canonical.EqualHash(p.ExecHash, layers.Integrity.Primary.Proof.ExecutionHash) {
		return fmt.Errorf("exec_hash %q does not equal primary execution hash", p.ExecHash)
	}
	return nil
}

func firstFailure(checks []Check) *IncompleteEvidenceError {
	for _, c := range checks {
		if !c.Passed {
			return &IncompleteEvidenceError{Rule: c.Rule, Detail: c.Detail}
		}
	}
	return nil
}
