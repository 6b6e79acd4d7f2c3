package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/valdrix/enforcement/pkg/actions"
	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/decisionledger"
	"github.com/valdrix/enforcement/pkg/engine"
	"github.com/valdrix/enforcement/pkg/export"
	"github.com/valdrix/enforcement/pkg/policy"
	"github.com/valdrix/enforcement/pkg/reconcile"
	"github.com/valdrix/enforcement/pkg/reservation"
	"github.com/valdrix/enforcement/pkg/throttle"
)

const basePath = "/api/v1/enforcement"

// Archiver uploads export bundles out of band.
type Archiver interface {
	Archive(ctx context.Context, b *export.Bundle) (string, error)
}

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Engine       *engine.Engine
	Approvals    *approval.Service
	ApprovalJobs approval.Store
	Policies     policy.Store
	Budgets      budgets.Store
	Credits      reservation.Ledger
	Decisions    decisionledger.Store
	Reconciler   *reconcile.Reconciler
	Exports      *export.Builder
	Archive      Archiver
	Actions      actions.Queue

	Limiter throttle.Limiter
	Metrics ThrottleMetrics
	Logger  *slog.Logger
}

// Server is the enforcement HTTP surface.
type Server struct {
	engine     *engine.Engine
	approvals  *approval.Service
	jobs       approval.Store
	policies   policy.Store
	budgets    budgets.Store
	credits    reservation.Ledger
	decisions  decisionledger.Store
	reconciler *reconcile.Reconciler
	exports    *export.Builder
	archive    Archiver
	queue      actions.Queue
	limiter    throttle.Limiter
	metrics    ThrottleMetrics
	logger     *slog.Logger
	clock      func() time.Time
}

// NewServer wires the handler set.
func NewServer(deps Deps) *Server {
	s := &Server{
		engine:     deps.Engine,
		approvals:  deps.Approvals,
		jobs:       deps.ApprovalJobs,
		policies:   deps.Policies,
		budgets:    deps.Budgets,
		credits:    deps.Credits,
		decisions:  deps.Decisions,
		reconciler: deps.Reconciler,
		exports:    deps.Exports,
		archive:    deps.Archive,
		queue:      deps.Actions,
		limiter:    deps.Limiter,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      time.Now,
	}
	if s.metrics == nil {
		s.metrics = nopThrottleMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	return s
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Gate surface, throttled per tenant plus globally.
	mux.HandleFunc("POST "+basePath+"/gate", s.throttled(s.handleGate))
	mux.HandleFunc("POST "+basePath+"/gate/terraform", s.throttled(s.handleTerraform))
	mux.HandleFunc("POST "+basePath+"/gate/terraform/preflight", s.throttled(s.handleTerraform))
	mux.HandleFunc("POST "+basePath+"/gate/k8s/admission", s.throttled(s.handleK8sLegacy))
	mux.HandleFunc("POST "+basePath+"/gate/k8s/admission/review", s.throttled(s.handleK8sReview))
	mux.HandleFunc("POST "+basePath+"/gate/cloud-event", s.throttled(s.handleCloudEvent))

	// Approval workflow.
	mux.HandleFunc("GET "+basePath+"/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST "+basePath+"/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST "+basePath+"/approvals/{id}/deny", s.handleDeny)
	mux.HandleFunc("GET "+basePath+"/approvals/queue", s.handleApprovalQueue)
	mux.HandleFunc("POST "+basePath+"/approvals/consume", s.handleConsume)

	// Actions queue boundary for the orchestrator.
	mux.HandleFunc("GET "+basePath+"/actions", s.handlePendingActions)
	mux.HandleFunc("GET "+basePath+"/actions/{id}", s.handleGetAction)
	mux.HandleFunc("POST "+basePath+"/actions/claim", s.handleClaimAction)
	mux.HandleFunc("POST "+basePath+"/actions/{id}/complete", s.handleCompleteAction)
	mux.HandleFunc("POST "+basePath+"/actions/{id}/fail", s.handleFailAction)
	mux.HandleFunc("POST "+basePath+"/actions/{id}/cancel", s.handleCancelAction)

	// Administration.
	mux.HandleFunc("POST "+basePath+"/policies", s.handlePutPolicy)
	mux.HandleFunc("GET "+basePath+"/policies", s.handleGetPolicy)
	mux.HandleFunc("POST "+basePath+"/budgets", s.handleSetBudget)
	mux.HandleFunc("GET "+basePath+"/budgets", s.handleListBudgets)
	mux.HandleFunc("POST "+basePath+"/credits", s.handleCreateGrant)
	mux.HandleFunc("GET "+basePath+"/credits", s.handleListGrants)

	// Reconciliation and audit.
	mux.HandleFunc("POST "+basePath+"/reservations/reconcile", s.handleReconcile)
	mux.HandleFunc("GET "+basePath+"/ledger", s.handleLedger)
	mux.HandleFunc("GET "+basePath+"/exports/parity", s.handleParity)
	mux.HandleFunc("GET "+basePath+"/exports/archive", s.handleArchive)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	return requestID(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// evaluate runs the gate and maps the decision status onto the HTTP code.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, in *contracts.GateInput) (*contracts.GateResponse, bool) {
	resp, err := s.engine.Evaluate(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return resp, true
}

// statusCode maps gate statuses onto response codes: denials are 403,
// approval holds 202, everything else 200.
func statusCode(status contracts.Status) int {
	switch status {
	case contracts.StatusDeny, contracts.StatusFailSafeDeny:
		return http.StatusForbidden
	case contracts.StatusRequireApproval, contracts.StatusFailSafeRequireApproval:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
