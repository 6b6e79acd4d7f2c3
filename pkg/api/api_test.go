package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/valdrix/enforcement/pkg/actions"
	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/costctx"
	"github.com/valdrix/enforcement/pkg/decisionledger"
	"github.com/valdrix/enforcement/pkg/engine"
	"github.com/valdrix/enforcement/pkg/export"
	"github.com/valdrix/enforcement/pkg/gates"
	"github.com/valdrix/enforcement/pkg/money"
	"github.com/valdrix/enforcement/pkg/policy"
	"github.com/valdrix/enforcement/pkg/reconcile"
	"github.com/valdrix/enforcement/pkg/reservation"
	"github.com/valdrix/enforcement/pkg/throttle"
)

var now = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

const testPolicy = `{
	"schema_version": "1.0.0",
	"terraform_mode_prod": "HARD",
	"terraform_mode_nonprod": "SOFT",
	"k8s_mode_prod": "HARD",
	"k8s_mode_nonprod": "SOFT",
	"plan_monthly_ceiling_usd": "5000",
	"enterprise_monthly_ceiling_usd": "1000000",
	"approval_routing_rules": [
		{"id": "prod-db", "priority": 10, "env": "prod", "action_prefix": "rds.",
		 "monthly_delta_threshold": "500", "allowed_reviewer_roles": ["dba"], "quorum": 1}
	],
	"requester_reviewer_separation": {"prod": true, "nonprod": false}
}`

type stubHistory struct{}

func (stubHistory) DailyCosts(context.Context, string, time.Time, time.Time) ([]costctx.DailyCost, error) {
	return nil, nil
}

type apiFixture struct {
	srv       *httptest.Server
	decisions *decisionledger.MemoryStore
	credits   *reservation.MemoryLedger
}

func newAPIFixture(t *testing.T, limiter throttle.Limiter) *apiFixture {
	t.Helper()
	clock := func() time.Time { return now }

	decisions := decisionledger.NewMemoryStore()
	policies := policy.NewMemoryStore().WithClock(clock)
	budgetStore := budgets.NewMemoryStore()
	credits := reservation.NewMemoryLedger()
	approvalStore := approval.NewMemoryStore()
	queue := actions.NewMemoryQueue().WithClock(clock)

	tokens, err := approval.NewTokenService("test-secret", nil, "")
	require.NoError(t, err)
	tokens.WithClock(clock)
	approvals := approval.NewService(approvalStore, tokens, decisions).WithClock(clock)

	matcher, err := policy.NewMatcher()
	require.NoError(t, err)
	_, err = policies.Put(context.Background(), "t1", []byte(testPolicy))
	require.NoError(t, err)

	eng := engine.New(engine.Deps{
		Decisions: decisions,
		Policies:  policies,
		Budgets:   budgetStore,
		Credits:   credits,
		Context:   costctx.NewBuilder(stubHistory{}),
		Approvals: approvals,
		Matcher:   matcher,
		Locker:    engine.NewMemoryLocker(10 * time.Millisecond),
	}).WithClock(clock)

	reconciler := reconcile.New(credits, decisions, budgetStore, reconcile.NewMemoryReceipts()).
		WithClock(clock)

	signer, err := export.NewSigner("export-v1", "signing-secret")
	require.NoError(t, err)
	builder := export.NewBuilder(export.Stores{
		Decisions:    decisions,
		Approvals:    approvalStore,
		Reservations: credits,
	}, signer)

	server := NewServer(Deps{
		Engine:       eng,
		Approvals:    approvals,
		ApprovalJobs: approvalStore,
		Policies:     policies,
		Budgets:      budgetStore,
		Credits:      credits,
		Decisions:    decisions,
		Reconciler:   reconciler,
		Exports:      builder,
		Actions:      queue,
		Limiter:      limiter,
	})
	server.clock = clock

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, decisions: decisions, credits: credits}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-ID", "t1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestGateAllow(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, basePath+"/gate", contracts.GateInput{
		Action: "ec2.run_instances", ProjectID: "web", Environment: "nonprod",
		EstimatedMonthly: money.FromDollars(100),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[contracts.GateResponse](t, resp)
	assert.Equal(t, contracts.StatusAllow, out.Status)
	assert.Equal(t, contracts.ReasonOK, out.ReasonCode)
	assert.NotEmpty(t, out.DecisionID)
}

func TestGateMissingTenant(t *testing.T) {
	f := newAPIFixture(t, nil)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+basePath+"/gate",
		bytes.NewBufferString(`{"action":"a","project_id":"p"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	problem := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, "invalid_request", problem.ReasonCode)
	assert.NotEmpty(t, problem.RequestID)
}

func TestTerraformApprovalRoundTrip(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, basePath+"/gate/terraform/preflight", gates.TerraformPreflight{
		RunID: "run-1", Stage: gates.StagePlan,
		ResourceAddr: "aws_db_instance.main", Action: "rds.create_db_instance",
		ProjectID: "web", Environment: "prod", RequesterID: "alice",
		EstimatedMonthly: money.FromDollars(600), EstimatedHourly: money.FromDollars(1),
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	out := decodeBody[gates.TerraformResponse](t, resp)
	require.Equal(t, contracts.StatusRequireApproval, out.Status)
	require.NotEmpty(t, out.ApprovalRequestID)
	assert.Equal(t, basePath+"/approvals/"+out.ApprovalRequestID, out.Continuation.PollURL)

	// Queue shows the pending request.
	queueResp := f.do(t, http.MethodGet, basePath+"/approvals/queue", nil, nil)
	require.Equal(t, http.StatusOK, queueResp.StatusCode)
	queue := decodeBody[struct {
		Count int `json:"count"`
	}](t, queueResp)
	assert.Equal(t, 1, queue.Count)

	// A reviewer with the routed role approves and gets the one-time token.
	approveResp := f.do(t, http.MethodPost,
		basePath+"/approvals/"+out.ApprovalRequestID+"/approve",
		reviewRequest{Reviewer: contracts.Reviewer{ID: "bob", Roles: []string{"dba"},
			Permissions: []string{"remediation.approve.prod"}}}, nil)
	require.Equal(t, http.StatusOK, approveResp.StatusCode)
	approved := decodeBody[approveResponse](t, approveResp)
	require.NotEmpty(t, approved.ApprovalToken)
	assert.Equal(t, contracts.ApprovalApproved, approved.Approval.Status)

	// First consume wins and hands the decision to the orchestrator queue.
	consumeResp := f.do(t, http.MethodPost, basePath+"/approvals/consume",
		consumeRequest{Token: approved.ApprovalToken, ProjectID: "web"}, nil)
	require.Equal(t, http.StatusOK, consumeResp.StatusCode)
	consumed := decodeBody[consumeResponse](t, consumeResp)
	assert.Equal(t, out.DecisionID, consumed.DecisionID)
	require.NotEmpty(t, consumed.ExecutionID)

	// A replayed token is rejected as consumed.
	replay := f.do(t, http.MethodPost, basePath+"/approvals/consume",
		consumeRequest{Token: approved.ApprovalToken}, nil)
	require.Equal(t, http.StatusConflict, replay.StatusCode)
	problem := decodeBody[ProblemDetail](t, replay)
	assert.Equal(t, "token_consumed", problem.ReasonCode)

	// An orchestrator worker claims, runs, and completes the execution.
	claimResp := f.do(t, http.MethodPost, basePath+"/actions/claim",
		claimRequest{Owner: "worker-1"}, nil)
	require.Equal(t, http.StatusOK, claimResp.StatusCode)
	exec := decodeBody[contracts.ActionExecution](t, claimResp)
	assert.Equal(t, consumed.ExecutionID, exec.ID)
	assert.Equal(t, out.DecisionID, exec.DecisionID)
	assert.Equal(t, contracts.ActionRunning, exec.State)
	assert.Equal(t, 1, exec.Attempts)

	doneResp := f.do(t, http.MethodPost, basePath+"/actions/"+exec.ID+"/complete",
		claimRequest{Owner: "worker-1"}, nil)
	require.Equal(t, http.StatusOK, doneResp.StatusCode)
	done := decodeBody[contracts.ActionExecution](t, doneResp)
	assert.Equal(t, contracts.ActionSucceeded, done.State)

	// The queue drains.
	emptyResp := f.do(t, http.MethodPost, basePath+"/actions/claim",
		claimRequest{Owner: "worker-1"}, nil)
	require.Equal(t, http.StatusNoContent, emptyResp.StatusCode)
	pendingResp := f.do(t, http.MethodGet, basePath+"/actions", nil, nil)
	require.Equal(t, http.StatusOK, pendingResp.StatusCode)
	pending := decodeBody[struct {
		Pending int `json:"pending"`
	}](t, pendingResp)
	assert.Equal(t, 0, pending.Pending)
}

func TestApproveRequesterSeparation(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodPost, basePath+"/gate/terraform", gates.TerraformPreflight{
		RunID: "run-2", Stage: gates.StagePlan,
		ResourceAddr: "aws_db_instance.main", Action: "rds.create_db_instance",
		ProjectID: "web", Environment: "prod", RequesterID: "alice",
		EstimatedMonthly: money.FromDollars(600),
	}, nil)
	out := decodeBody[gates.TerraformResponse](t, resp)
	require.NotEmpty(t, out.ApprovalRequestID)

	// Requester cannot review their own prod change.
	approveResp := f.do(t, http.MethodPost,
		basePath+"/approvals/"+out.ApprovalRequestID+"/approve",
		reviewRequest{Reviewer: contracts.Reviewer{ID: "alice", Roles: []string{"dba"},
			Permissions: []string{"remediation.approve.prod"}}}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, approveResp.StatusCode)
	problem := decodeBody[ProblemDetail](t, approveResp)
	assert.Equal(t, "invalid_request", problem.ReasonCode)
}

func TestK8sAdmissionReviewDeny(t *testing.T) {
	f := newAPIFixture(t, nil)

	object := map[string]any{"metadata": map[string]any{"annotations": map[string]string{
		gates.AnnotationCostMonthly: "6000",
		gates.AnnotationEnvironment: "prod",
	}}}
	raw, err := json.Marshal(object)
	require.NoError(t, err)

	review := &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Request: &admissionv1.AdmissionRequest{
			UID:       "uid-1",
			Operation: admissionv1.Create,
			Resource:  metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
			Namespace: "team-web",
			Name:      "api-7c9d",
			UserInfo:  authenticationv1.UserInfo{Username: "alice"},
			Object:    runtime.RawExtension{Raw: raw},
		},
	}

	resp := f.do(t, http.MethodPost, basePath+"/gate/k8s/admission/review", review, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeBody[admissionv1.AdmissionReview](t, resp)
	require.NotNil(t, out.Response)
	assert.Equal(t, review.Request.UID, out.Response.UID)
	assert.False(t, out.Response.Allowed)
	assert.Equal(t, int32(403), out.Response.Result.Code)
	assert.NotEmpty(t, out.Response.AuditAnnotations["valdrix.io/decision-id"])
}

func TestThrottle429(t *testing.T) {
	limiter := throttle.NewLocalLimiter(throttle.Limits{TenantPerMinute: 10, GlobalPerMinute: 0})
	f := newAPIFixture(t, limiter)

	body := contracts.GateInput{Action: "ec2.run_instances", ProjectID: "web", Environment: "nonprod"}

	var last *http.Response
	for i := 0; i < 3; i++ {
		body.IdempotencyKey = fmt.Sprintf("generic:burst-%d", i)
		last = f.do(t, http.MethodPost, basePath+"/gate", body, nil)
	}
	// Burst of 1 at 10/min: follow-up requests are rejected.
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
	problem := decodeBody[ProblemDetail](t, last)
	assert.Equal(t, contracts.ReasonThrottled, problem.ReasonCode)
}

func TestReconcileIdempotencyKeyHeaderWins(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.credits.CreateGrant(ctx, &contracts.CreditGrant{
		ID: "g-1", TenantID: "t1", PoolType: contracts.PoolReserved,
		Initial: money.FromDollars(10000), Remaining: money.FromDollars(10000),
		ExpiresAt: now.AddDate(0, 1, 0), CreatedAt: now,
	}))

	gate := f.do(t, http.MethodPost, basePath+"/gate/terraform", gates.TerraformPreflight{
		RunID: "run-3", Stage: gates.StagePlan,
		ResourceAddr: "aws_db_instance.main", Action: "ec2.run_instances",
		ProjectID: "web", Environment: "prod",
		EstimatedMonthly: money.FromDollars(6000),
	}, nil)
	out := decodeBody[gates.TerraformResponse](t, gate)
	require.Equal(t, contracts.StatusAllowWithCredits, out.Status)

	body := reconcileRequest{DecisionID: out.DecisionID, ActualUSD: money.FromDollars(5500), IdempotencyKey: "body-key"}
	resp := f.do(t, http.MethodPost, basePath+"/reservations/reconcile", body,
		map[string]string{"Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcome := decodeBody[contracts.ReconcileOutcome](t, resp)
	assert.Equal(t, "header-key", outcome.IdempotencyKey)
	assert.False(t, outcome.Replayed)

	// Same header key replays the stored outcome.
	replay := f.do(t, http.MethodPost, basePath+"/reservations/reconcile", body,
		map[string]string{"Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusOK, replay.StatusCode)
	replayed := decodeBody[contracts.ReconcileOutcome](t, replay)
	assert.True(t, replayed.Replayed)

	// A different key over the same decision conflicts.
	conflict := f.do(t, http.MethodPost, basePath+"/reservations/reconcile", body,
		map[string]string{"Idempotency-Key": "other-key"})
	require.Equal(t, http.StatusConflict, conflict.StatusCode)
}

func TestLedgerByDecision(t *testing.T) {
	f := newAPIFixture(t, nil)

	gate := f.do(t, http.MethodPost, basePath+"/gate", contracts.GateInput{
		Action: "ec2.run_instances", ProjectID: "web", Environment: "nonprod",
	}, nil)
	out := decodeBody[contracts.GateResponse](t, gate)

	resp := f.do(t, http.MethodGet, basePath+"/ledger?decision_id="+out.DecisionID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ledger := decodeBody[struct {
		Entries []decisionledger.Entry `json:"entries"`
	}](t, resp)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, decisionledger.TransitionCreated, ledger.Entries[0].Transition)
}

func TestParityEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	gate := f.do(t, http.MethodPost, basePath+"/gate", contracts.GateInput{
		Action: "ec2.run_instances", ProjectID: "web", Environment: "nonprod",
	}, nil)
	require.Equal(t, http.StatusOK, gate.StatusCode)
	gate.Body.Close()

	path := fmt.Sprintf("%s/exports/parity?from=%s&to=%s", basePath,
		"2026-08-01T00:00:00Z", "2026-09-01T00:00:00Z")
	resp := f.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	report := decodeBody[export.ParityReport](t, resp)
	assert.Equal(t, "t1", report.TenantID)
	assert.Equal(t, 1, report.Counts[export.FileDecisions])
	assert.NotEmpty(t, report.ManifestSHA256)
	assert.NotEmpty(t, report.PolicyLineageSHA256)
}

func TestPolicyLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	put := f.do(t, http.MethodPost, basePath+"/policies", json.RawMessage(testPolicy), nil)
	require.Equal(t, http.StatusCreated, put.StatusCode)
	doc := decodeBody[contracts.PolicyDocument](t, put)
	assert.Equal(t, 2, doc.PolicyVersion)

	get := f.do(t, http.MethodGet, basePath+"/policies?version=1", nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	v1 := decodeBody[contracts.PolicyDocument](t, get)
	assert.Equal(t, 1, v1.PolicyVersion)

	bad := f.do(t, http.MethodPost, basePath+"/policies", json.RawMessage(`{"schema_version":"9.9.9"}`), nil)
	require.Equal(t, http.StatusUnprocessableEntity, bad.StatusCode)
}

func TestBudgetsAndCredits(t *testing.T) {
	f := newAPIFixture(t, nil)

	set := f.do(t, http.MethodPost, basePath+"/budgets",
		budgetRequest{ProjectID: "web", MonthlyCap: money.FromDollars(300)}, nil)
	require.Equal(t, http.StatusOK, set.StatusCode)
	alloc := decodeBody[budgets.Allocation](t, set)
	assert.Equal(t, money.FromDollars(300), alloc.MonthlyCap)
	assert.Equal(t, "2026-08", alloc.MonthKey)

	list := f.do(t, http.MethodGet, basePath+"/budgets", nil, nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	listed := decodeBody[struct {
		Allocations []budgets.Allocation `json:"allocations"`
	}](t, list)
	require.Len(t, listed.Allocations, 1)

	grant := f.do(t, http.MethodPost, basePath+"/credits", contracts.CreditGrant{
		PoolType: contracts.PoolReserved, Initial: money.FromDollars(500),
		ExpiresAt: now.AddDate(0, 1, 0),
	}, nil)
	require.Equal(t, http.StatusCreated, grant.StatusCode)
	created := decodeBody[contracts.CreditGrant](t, grant)
	assert.Equal(t, "t1", created.TenantID)
	assert.Equal(t, money.FromDollars(500), created.Remaining)

	grants := f.do(t, http.MethodGet, basePath+"/credits", nil, nil)
	require.Equal(t, http.StatusOK, grants.StatusCode)
}
