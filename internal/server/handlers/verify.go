package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/procverify/internal/errors"
	"github.com/3leaps/procverify/pkg/determinism"
	"github.com/3leaps/procverify/pkg/evidence"
	"github.com/3leaps/procverify/pkg/proof"
)

// MaxRequestBytes bounds verify request bodies.
const MaxRequestBytes = 8 << 20

// VerifyProofsRequest is the body of POST /v1/proofs/verify.
type VerifyProofsRequest struct {
	Primary   *proof.ComputeProof `json:"primary"`
	Validator *proof.ComputeProof `json:"validator"`
}

// VerifyProofsResponse carries the verdict for two proofs.
type VerifyProofsResponse struct {
	Match   bool          `json:"match"`
	Verdict proof.Verdict `json:"verdict"`
}

// VerifyHandlers serves the stateless verification endpoints. They never
// contact a backend: everything needed is in the request body.
type VerifyHandlers struct {
	verifier  *determinism.Verifier
	assembler *evidence.Assembler
	logger    *zap.Logger
}

// NewVerifyHandlers returns handlers that verify with v. A nil v verifies
// without signature checks.
func NewVerifyHandlers(v *determinism.Verifier, logger *zap.Logger) *VerifyHandlers {
	if v == nil {
		v = determinism.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerifyHandlers{
		verifier:  v,
		assembler: evidence.NewAssembler(v, logger),
		logger:    logger,
	}
}

// VerifyProofs serves POST /v1/proofs/verify.
func (h *VerifyHandlers) VerifyProofs(w http.ResponseWriter, r *http.Request) {
	var req VerifyProofsRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Primary == nil || req.Validator == nil {
		respondWithError(w, r, apperrors.BadRequest("primary and validator proofs are required", nil))
		return
	}

	verdict, err := h.verifier.Verify(*req.Primary, *req.Validator)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Debug("Proofs verified",
		zap.String("status", string(verdict.Status)),
		zap.String("reason", verdict.Reason),
		zap.String("trust_level", string(verdict.TrustLevel)))

	apperrors.WriteJSON(w, http.StatusOK, VerifyProofsResponse{
		Match:   verdict.Matched(),
		Verdict: verdict,
	})
}

// VerifyEvidence serves POST /v1/evidence/verify. An invalid package is a
// normal 200 report with valid=false.
func (h *VerifyHandlers) VerifyEvidence(w http.ResponseWriter, r *http.Request) {
	var pkg proof.EvidencePackage
	if err := decodeBody(w, r, &pkg); err != nil {
		respondWithError(w, r, err)
		return
	}

	report, ok := h.assembler.Verify(&pkg)
	h.logger.Debug("Evidence verified",
		zap.String("evidence_id", report.EvidenceID),
		zap.Bool("valid", ok))
	apperrors.WriteJSON(w, http.StatusOK, report)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &apperrors.StatusError{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    "REQUEST_TOO_LARGE",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		case errors.Is(err, io.EOF):
			return apperrors.BadRequest("request body is empty", err)
		default:
			return apperrors.BadRequest("invalid JSON body", err)
		}
	}
	return nil
}
