package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	admissionv1 "k8s.io/api/admission/v1"

	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/export"
	"github.com/valdrix/enforcement/pkg/gates"
	"github.com/valdrix/enforcement/pkg/money"
	"github.com/valdrix/enforcement/pkg/reconcile"
)

// handleGate evaluates a pre-normalized gate input.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body contracts.GateInput
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := gates.GenericGateInput(tenant, &body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, ok := s.evaluate(w, r, in)
	if !ok {
		return
	}
	writeJSON(w, statusCode(resp.Status), resp)
}

// handleTerraform serves the run-task preflight. The response carries the
// continuation binding so the run task can poll the approval it opened.
func (s *Server) handleTerraform(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body gates.TerraformPreflight
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := body.GateInput(tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, ok := s.evaluate(w, r, in)
	if !ok {
		return
	}
	out := gates.TerraformResponse{GateResponse: *resp}
	if resp.ApprovalRequestID != "" {
		out.Continuation = gates.Continuation{
			PollURL:           basePath + "/approvals/" + resp.ApprovalRequestID,
			ApprovalRequestID: resp.ApprovalRequestID,
		}
	}
	writeJSON(w, statusCode(resp.Status), out)
}

// handleK8sLegacy evaluates an AdmissionReview and returns the plain gate
// response, for callers that sit behind their own webhook shim.
func (s *Server) handleK8sLegacy(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var review admissionv1.AdmissionReview
	if err := decode(w, r, &review); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := gates.AdmissionGateInput(tenant, &review)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, ok := s.evaluate(w, r, in)
	if !ok {
		return
	}
	writeJSON(w, statusCode(resp.Status), resp)
}

// handleK8sReview is the admission webhook proper: the verdict travels in
// the AdmissionReview response envelope, so the HTTP status is always 200.
func (s *Server) handleK8sReview(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var review admissionv1.AdmissionReview
	if err := decode(w, r, &review); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := gates.AdmissionGateInput(tenant, &review)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, ok := s.evaluate(w, r, in)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, gates.AdmissionResponse(&review, resp))
}

// handleCloudEvent evaluates a CloudEvents-wrapped change request.
func (s *Server) handleCloudEvent(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var event gates.CloudEvent
	if err := decode(w, r, &event); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := event.GateInput(tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, ok := s.evaluate(w, r, in)
	if !ok {
		return
	}
	writeJSON(w, statusCode(resp.Status), resp)
}

type reviewRequest struct {
	Reviewer contracts.Reviewer `json:"reviewer"`
}

type approveResponse struct {
	Approval      *contracts.ApprovalRequest `json:"approval"`
	ApprovalToken string                     `json:"approval_token,omitempty"`
}

// routingRuleFor resolves the rule an approval was routed by from the
// tenant's active policy document. Returns nil when the approval was forced
// by SOFT mode or the rule has since been rewritten away.
func (s *Server) routingRuleFor(r *http.Request, tenant string, req *contracts.ApprovalRequest) (*contracts.RoutingRule, contracts.SeparationPolicy) {
	doc, err := s.policies.Active(r.Context(), tenant)
	if err != nil {
		return nil, contracts.SeparationPolicy{}
	}
	if req.RoutingRuleID == "" {
		return nil, doc.Separation
	}
	for i := range doc.ApprovalRoutingRules {
		if doc.ApprovalRoutingRules[i].ID == req.RoutingRuleID {
			return &doc.ApprovalRoutingRules[i], doc.Separation
		}
	}
	return nil, doc.Separation
}

func (s *Server) loadApproval(w http.ResponseWriter, r *http.Request) (*contracts.ApprovalRequest, string, bool) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return nil, "", false
	}
	req, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, "", false
	}
	if req.TenantID != tenant {
		writeError(w, r, contracts.ErrNotFound)
		return nil, "", false
	}
	return req, tenant, true
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, _, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, tenant, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	var body reviewRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rule, separation := s.routingRuleFor(r, tenant, req)
	req, token, err := s.approvals.Approve(r.Context(), req.ID, body.Reviewer, rule, separation)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Approval: req, ApprovalToken: token})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	req, tenant, ok := s.loadApproval(w, r)
	if !ok {
		return
	}
	var body reviewRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	rule, separation := s.routingRuleFor(r, tenant, req)
	req, err := s.approvals.Deny(r.Context(), req.ID, body.Reviewer, rule, separation)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The denied decision's credit hold is dead weight; release it now.
	if _, err := s.reconciler.Release(r.Context(), req.DecisionID); err != nil {
		s.logger.ErrorContext(r.Context(), "release after deny failed",
			"decision_id", req.DecisionID, "error", err)
	}
	writeJSON(w, http.StatusOK, approveResponse{Approval: req})
}

func (s *Server) handleApprovalQueue(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pending, err := s.jobs.ListPending(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

type consumeRequest struct {
	Token     string `json:"approval_token"`
	ProjectID string `json:"project_id,omitempty"`
}

type consumeResponse struct {
	*contracts.ApprovalTokenClaims
	ExecutionID string `json:"execution_id,omitempty"`
}

// handleConsume redeems a one-time approval token and hands the decision to
// the actions orchestrator by enqueueing its execution.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var body consumeRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	claims, err := s.approvals.ConsumeForDecision(r.Context(), body.Token, body.ProjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := consumeResponse{ApprovalTokenClaims: claims}
	if s.queue != nil {
		exec := &contracts.ActionExecution{
			DecisionID: claims.DecisionID,
			ApprovalID: claims.ApprovalID,
			TenantID:   claims.TenantID,
		}
		if err := s.queue.Enqueue(r.Context(), exec); err != nil {
			writeError(w, r, err)
			return
		}
		out.ExecutionID = exec.ID
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePutPolicy stores the raw payload as the tenant's next policy
// version. Validation errors surface as 422 with the schema detail.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: body: %v", contracts.ErrInvalidRequest, err))
		return
	}
	doc, err := s.policies.Put(r.Context(), tenant, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var doc *contracts.PolicyDocument
	if v := r.URL.Query().Get("version"); v != "" {
		var version int
		if _, err := fmt.Sscanf(v, "%d", &version); err != nil {
			writeError(w, r, fmt.Errorf("%w: version must be an integer", contracts.ErrInvalidRequest))
			return
		}
		doc, err = s.policies.Version(r.Context(), tenant, version)
	} else {
		doc, err = s.policies.Active(r.Context(), tenant)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type budgetRequest struct {
	ProjectID  string    `json:"project_id"`
	MonthlyCap money.USD `json:"monthly_cap_usd"`
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body budgetRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ProjectID == "" {
		writeError(w, r, fmt.Errorf("%w: project_id is required", contracts.ErrInvalidRequest))
		return
	}
	if err := s.budgets.SetCap(r.Context(), tenant, body.ProjectID, body.MonthlyCap); err != nil {
		writeError(w, r, err)
		return
	}
	alloc, err := s.budgets.Get(r.Context(), tenant, body.ProjectID, budgets.MonthKey(s.clock()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = budgets.MonthKey(s.clock())
	}
	allocations, err := s.budgets.List(r.Context(), tenant, month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"month": month, "allocations": allocations})
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var grant contracts.CreditGrant
	if err := decode(w, r, &grant); err != nil {
		writeError(w, r, err)
		return
	}
	grant.TenantID = tenant
	if grant.Remaining == 0 {
		grant.Remaining = grant.Initial
	}
	if err := s.credits.CreateGrant(r.Context(), &grant); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	grants, err := s.credits.Grants(r.Context(), tenant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

type reconcileRequest struct {
	DecisionID     string    `json:"decision_id"`
	ActualUSD      money.USD `json:"actual_usd"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// handleReconcile settles a decision against actual spend. The
// Idempotency-Key header takes precedence over the body field.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileRequest
	if err := decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = body.IdempotencyKey
	}
	out, err := s.reconciler.Reconcile(r.Context(), body.DecisionID, body.ActualUSD, key, reconcile.TriggerManual)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLedger returns either one decision's full transition history or a
// tenant's entries in a window.
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("decision_id"); id != "" {
		entries, err := s.decisions.EntriesForDecision(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := windowOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.decisions.Entries(r.Context(), tenant, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleParity(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := windowOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.exports.Parity(r.Context(), tenant, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleArchive builds the window's bundle and either uploads it to the
// archive bucket or streams the zip when no bucket is configured.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := windowOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bundle, err := s.exports.Build(r.Context(), tenant, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.archive != nil {
		key, err := s.archive.Archive(r.Context(), bundle)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"object_key": key})
		return
	}
	payload, err := export.Zip(bundle)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-export.zip", tenant)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// windowOf parses the required from/to RFC 3339 query window.
func windowOf(r *http.Request) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be RFC 3339", contracts.ErrInvalidRequest)
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to must be RFC 3339", contracts.ErrInvalidRequest)
	}
	return from, to, nil
}
