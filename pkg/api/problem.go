// Package api exposes the enforcement control plane over HTTP: the gate
// endpoints per source, the approval workflow, policy/budget/credit
// administration, reconciliation, the ledger, and export parity. Errors are
// RFC 7807 problem details extended with a stable reason_code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/export"
)

// ProblemDetail is the RFC 7807 error body, extended with the machine
// readable reason code callers branch on.
type ProblemDetail struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	ReasonCode string `json:"reason_code"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, reason, detail string) {
	problem := &ProblemDetail{
		Type:       fmt.Sprintf("https://valdrix.io/errors/%s", reason),
		Title:      http.StatusText(status),
		Status:     status,
		Detail:     detail,
		Instance:   r.URL.Path,
		ReasonCode: reason,
		RequestID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError maps the error taxonomy onto problem responses. Internal
// errors are logged, never echoed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contracts.ErrInvalidRequest):
		writeProblem(w, r, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, contracts.ErrIdempotencyConflict):
		writeProblem(w, r, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, contracts.ErrTokenInvalid):
		writeProblem(w, r, http.StatusUnauthorized, "token_invalid", err.Error())
	case errors.Is(err, contracts.ErrTokenConsumed):
		writeProblem(w, r, http.StatusConflict, "token_consumed", err.Error())
	case errors.Is(err, contracts.ErrTokenBindingMismatch):
		writeProblem(w, r, http.StatusUnprocessableEntity, "token_binding_mismatch", err.Error())
	case errors.Is(err, export.ErrSignatureInvalid):
		writeProblem(w, r, http.StatusUnprocessableEntity, "signature_invalid", err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, contracts.ErrConflict):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, contracts.ErrThrottled):
		writeProblem(w, r, http.StatusTooManyRequests, contracts.ReasonThrottled, err.Error())
	case errors.Is(err, contracts.ErrInvariantViolation):
		slog.Error("invariant violation", "path", r.URL.Path, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "invariant_violation",
			"an internal invariant was violated; operators have been paged")
	default:
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "internal_error",
			"an unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a bounded JSON body.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", contracts.ErrInvalidRequest, err)
	}
	return nil
}
