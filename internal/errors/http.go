// Package errors maps application errors to HTTP error responses.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/procverify/pkg/backend"
	"github.com/3leaps/procverify/pkg/evidence"
	"github.com/3leaps/procverify/pkg/proof"
)

// Error codes returned in HTTP error bodies.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidProof       = "INVALID_PROOF"
	CodeIncompleteEvidence = "INCOMPLETE_EVIDENCE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the error object inside HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// StatusError carries an explicit HTTP status and code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// BadRequest returns a 400 error wrapping err.
func BadRequest(message string, err error) *StatusError {
	return &StatusError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message, Err: err}
}

// NotFound returns a 404 error.
func NotFound(message string) *StatusError {
	return &StatusError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// MethodNotAllowed returns a 405 error.
func MethodNotAllowed(message string) *StatusError {
	return &StatusError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: message}
}

// ServiceUnavailable returns a 503 error with details.
func ServiceUnavailable(message string, details map[string]any) *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Details: details}
}

// Classify returns the status and code for err.
func Classify(err error) (int, string) {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Status, se.Code
	}
	switch {
	case stderrors.Is(err, proof.ErrMalformedProof):
		return http.StatusUnprocessableEntity, CodeInvalidProof
	case evidence.IsIncomplete(err):
		return http.StatusUnprocessableEntity, CodeIncompleteEvidence
	case backend.IsInvalidTask(err):
		return http.StatusBadRequest, CodeBadRequest
	case backend.IsNotFound(err), backend.IsUnknownJob(err):
		return http.StatusNotFound, CodeNotFound
	case backend.IsUnavailable(err):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an HTTPErrorResponse.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	body := HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   err.Error(),
		RequestID: w.Header().Get("X-Request-ID"),
	}}
	var se *StatusError
	if stderrors.As(err, &se) {
		body.Error.Details = se.Details
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
