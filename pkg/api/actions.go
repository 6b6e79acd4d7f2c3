package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// actionKnobs reads the tenant's orchestrator tuning from the active policy
// document. A tenant without a document gets the schema defaults.
func (s *Server) actionKnobs(ctx context.Context, tenant string) (lease, backoff time.Duration, maxAttempts int) {
	lease, backoff, maxAttempts = 120*time.Second, 30*time.Second, 3
	doc, err := s.policies.Active(ctx, tenant)
	if err != nil {
		return lease, backoff, maxAttempts
	}
	return time.Duration(doc.ActionLeaseTTLSeconds) * time.Second,
		time.Duration(doc.ActionRetryBackoffSeconds) * time.Second,
		doc.ActionMaxAttempts
}

func (s *Server) loadAction(w http.ResponseWriter, r *http.Request) (*contracts.ActionExecution, string, bool) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return nil, "", false
	}
	exec, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, "", false
	}
	if exec.TenantID != tenant {
		writeError(w, r, contracts.ErrNotFound)
		return nil, "", false
	}
	return exec, tenant, true
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.queue.Pending(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	exec, _, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

type claimRequest struct {
	Owner string `json:"owner"`
}

// handleClaimAction leases the oldest due execution to the calling worker.
// 204 means the queue is drained.
func (s *Server) handleClaimAction(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body claimRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Owner == "" {
		writeError(w, r, fmt.Errorf("%w: owner is required", contracts.ErrInvalidRequest))
		return
	}
	lease, _, _ := s.actionKnobs(r.Context(), tenant)
	exec, err := s.queue.ClaimNext(r.Context(), body.Owner, lease)
	if errors.Is(err, contracts.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCompleteAction(w http.ResponseWriter, r *http.Request) {
	exec, _, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	var body claimRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.queue.Complete(r.Context(), exec.ID, body.Owner); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.queue.Get(r.Context(), exec.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleFailAction records a failed attempt; backoff and the attempt cap come
// from the execution tenant's policy document.
func (s *Server) handleFailAction(w http.ResponseWriter, r *http.Request) {
	exec, tenant, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	var body claimRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	_, backoff, maxAttempts := s.actionKnobs(r.Context(), tenant)
	if err := s.queue.Fail(r.Context(), exec.ID, body.Owner, backoff, maxAttempts); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.queue.Get(r.Context(), exec.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	exec, _, ok := s.loadAction(w, r)
	if !ok {
		return
	}
	if err := s.queue.Cancel(r.Context(), exec.ID); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.queue.Get(r.Context(), exec.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
