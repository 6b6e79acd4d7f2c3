// Package engine implements gate evaluation: idempotency replay, the
// per-(tenant, source) advisory lock, computed context and waterfall
// evaluation, mode dispositions, credit reservation, and fail-safe
// decisions when evaluation cannot complete.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/costctx"
	"github.com/valdrix/enforcement/pkg/decisionledger"
	"github.com/valdrix/enforcement/pkg/money"
	"github.com/valdrix/enforcement/pkg/policy"
	"github.com/valdrix/enforcement/pkg/reservation"
	"github.com/valdrix/enforcement/pkg/tiers"
	"github.com/valdrix/enforcement/pkg/waterfall"
)

// TierResolver resolves a tenant's product tier. Implemented by
// tenants.Resolver.
type TierResolver interface {
	TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error)
}

// DefaultGateTimeout bounds one gate evaluation end to end.
const DefaultGateTimeout = 2 * time.Second

// DefaultApprovalRisk is the risk class at which an otherwise-allowed
// request is routed to a human even without a routing-rule match.
const DefaultApprovalRisk = contracts.RiskHigh

// Metrics is the observation hook the engine reports into. The zero
// implementation drops everything.
type Metrics interface {
	RecordDecision(source contracts.Source, status contracts.Status, reason string)
	RecordLockEvent(outcome string)
	ObserveGateLatency(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(contracts.Source, contracts.Status, string) {}
func (nopMetrics) RecordLockEvent(string)                                    {}
func (nopMetrics) ObserveGateLatency(time.Duration)                          {}

// Deps are the collaborators an Engine evaluates with.
type Deps struct {
	Decisions decisionledger.Store
	Policies  policy.Store
	Budgets   budgets.Store
	Credits   reservation.Ledger
	Context   *costctx.Builder
	Approvals *approval.Service
	Matcher   *policy.Matcher
	Locker    Locker
	// Tiers optionally caps the policy document's plan ceiling at the
	// tenant's product tier. Nil means the document ceilings stand alone.
	Tiers TierResolver

	// Timeout defaults to DefaultGateTimeout.
	Timeout time.Duration
	// ModeOverrides beat the policy document's mode matrix per scope cell.
	ModeOverrides map[string]string
	// ApprovalRisk defaults to DefaultApprovalRisk.
	ApprovalRisk contracts.RiskClass
	Metrics      Metrics
}

// Engine evaluates gate requests into decisions.
type Engine struct {
	deps    Deps
	logger  *slog.Logger
	metrics Metrics
	clock   func() time.Time
}

// New creates a decision engine.
func New(deps Deps) *Engine {
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultGateTimeout
	}
	if deps.ApprovalRisk == "" {
		deps.ApprovalRisk = DefaultApprovalRisk
	}
	m := deps.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Engine{
		deps:    deps,
		logger:  slog.Default().With("component", "engine"),
		metrics: m,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs one gate evaluation. Lock and dependency failures never
// surface raw: they become persisted FAIL_SAFE decisions per the resolved
// mode. Idempotency conflicts and invalid input surface as typed errors.
func (e *Engine) Evaluate(ctx context.Context, in *contracts.GateInput) (*contracts.GateResponse, error) {
	started := e.clock()
	resp, err := e.evaluate(ctx, in)
	e.metrics.ObserveGateLatency(e.clock().Sub(started))
	if resp != nil {
		e.metrics.RecordDecision(in.Source, resp.Status, resp.ReasonCode)
	}
	return resp, err
}

func (e *Engine) evaluate(ctx context.Context, in *contracts.GateInput) (*contracts.GateResponse, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	now := e.clock().UTC()

	// Fast-path replay before taking the lock.
	if resp, hit, err := e.replay(ctx, in); hit {
		return resp, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.deps.Timeout)
	defer cancel()

	// The mode is resolved before anything that can fail, so every
	// fail-safe path knows which disposition the tenant configured.
	doc, err := e.deps.Policies.Active(ctx, in.TenantID)
	if err != nil && !errors.Is(err, contracts.ErrNotFound) {
		mode, scope := policy.ModeFor(nil, in.Source, in.Environment, e.deps.ModeOverrides)
		return e.failSafe(ctx, in, nil, mode, scope, contracts.ReasonDependencyUnavailable, now)
	}
	mode, scope := policy.ModeFor(doc, in.Source, in.Environment, e.deps.ModeOverrides)

	release, err := e.deps.Locker.Acquire(ctx, in.TenantID, in.Source)
	if err != nil {
		var reason string
		switch {
		case errors.Is(err, contracts.ErrLockTimeout):
			reason = contracts.ReasonGateLockTimeout
			e.metrics.RecordLockEvent("timeout")
		case errors.Is(err, contracts.ErrLockContended):
			reason = contracts.ReasonGateLockContended
			e.metrics.RecordLockEvent("contended")
		default:
			reason = contracts.ReasonDependencyUnavailable
			e.metrics.RecordLockEvent("not_acquired")
		}
		return e.failSafe(ctx, in, doc, mode, scope, reason, now)
	}
	defer release()
	e.metrics.RecordLockEvent("acquired")

	// Re-check under the lock: a concurrent evaluation may have persisted
	// the decision between the fast path and lock acquisition.
	if resp, hit, err := e.replay(ctx, in); hit {
		return resp, err
	}

	d, err := e.decide(ctx, in, doc, mode, scope, now)
	if err != nil {
		if errors.Is(err, contracts.ErrIdempotencyConflict) || errors.Is(err, contracts.ErrInvalidRequest) {
			return nil, err
		}
		reason := contracts.ReasonInternalError
		if ctx.Err() != nil {
			reason = contracts.ReasonTimeout
		}
		e.logger.Error("gate evaluation failed",
			"tenant_id", in.TenantID, "source", in.Source, "reason", reason, "error", err)
		return e.failSafe(ctx, in, doc, mode, scope, reason, now)
	}

	resp := contracts.ResponseFor(d, false)
	return &resp, nil
}

// tierCeilings clamps the document ceilings at the tenant's tier limits.
// The document may lower a ceiling, never raise it past the tier. A failed
// tier lookup leaves the document ceilings standing; the directory being
// down must not change gate outcomes.
func (e *Engine) tierCeilings(ctx context.Context, tenantID string, plan, enterprise money.USD) (money.USD, money.USD) {
	if e.deps.Tiers == nil {
		return plan, enterprise
	}
	id, err := e.deps.Tiers.TenantTier(ctx, tenantID)
	if err != nil {
		e.logger.Warn("tier resolution failed, using policy ceilings", "tenant_id", tenantID, "error", err)
		return plan, enterprise
	}
	tier := tiers.Get(id)
	if tier == nil {
		return plan, enterprise
	}
	if plan == 0 || plan > tier.Limits.PlanMonthlyCeiling {
		plan = tier.Limits.PlanMonthlyCeiling
	}
	if enterprise == 0 {
		enterprise = tier.Limits.EnterpriseMonthlyCeiling
	}
	return plan, enterprise
}

// decide runs the evaluation proper, under the lock and inside the timeout.
func (e *Engine) decide(ctx context.Context, in *contracts.GateInput, doc *contracts.PolicyDocument, mode contracts.Mode, scope string, now time.Time) (*contracts.Decision, error) {
	cc := e.deps.Context.Build(ctx, in.TenantID, now)

	var planCeiling, enterpriseCeiling money.USD
	var rules []contracts.RoutingRule
	if doc != nil {
		planCeiling = doc.PlanMonthlyCeiling
		enterpriseCeiling = doc.EnterpriseMonthlyCeiling
		rules = doc.ApprovalRoutingRules
	}
	planCeiling, enterpriseCeiling = e.tierCeilings(ctx, in.TenantID, planCeiling, enterpriseCeiling)
	costctx.ApplyRisk(&cc, planCeiling, in.EstimatedMonthly)

	projectAlloc, err := e.projectAllocation(ctx, in, now)
	if err != nil {
		return nil, err
	}
	reserved, emergency, err := e.activeGrants(ctx, in.TenantID, now)
	if err != nil {
		return nil, err
	}

	wf, err := waterfall.Evaluate(waterfall.Input{
		Requested:         in.EstimatedMonthly,
		PlanCeiling:       planCeiling,
		ActivePlanUsage:   cc.MTDSpend,
		Project:           projectAlloc,
		ReservedGrants:    reserved,
		EmergencyGrants:   emergency,
		EnterpriseCeiling: enterpriseCeiling,
		TenantTotalUsage:  cc.MTDSpend,
	})
	if err != nil {
		return nil, err
	}

	status := contracts.StatusAllow
	reason := contracts.ReasonOK
	var rule *contracts.RoutingRule
	var trace []contracts.RoutingTraceEntry
	if wf.Pass {
		if len(wf.Allocations) > 0 {
			status = contracts.StatusAllowWithCredits
		}
		// Rule envs are normalized at parse time; match against the same axis.
		rule, trace = e.deps.Matcher.SelectRule(rules, policy.RuleInput{
			Environment:  contracts.NormalizeEnvironment(in.Environment),
			Action:       in.Action,
			Source:       in.Source,
			ProjectID:    in.ProjectID,
			MonthlyDelta: in.EstimatedMonthly,
			Risk:         cc.RiskClass,
		})
		if rule != nil || costctx.RiskAtLeast(cc.RiskClass, e.deps.ApprovalRisk) {
			status = contracts.StatusRequireApproval
			reason = contracts.ReasonApprovalRequired
		}
	} else {
		switch mode {
		case contracts.ModeSoft:
			// SOFT converts ceiling denials into an approval requirement;
			// the reason stays the limiting one so callers see why.
			status = contracts.StatusRequireApproval
			reason = wf.LimitingReason
		default:
			status = contracts.StatusDeny
			reason = wf.LimitingReason
		}
	}

	var shadow *contracts.ShadowOutcome
	if mode == contracts.ModeShadow && status != contracts.StatusAllow {
		shadow = &contracts.ShadowOutcome{WouldBeStatus: status, WouldBeReason: reason}
		status = contracts.StatusAllow
		reason = contracts.ReasonOK
	}

	d := &contracts.Decision{
		ID:                 uuid.NewString(),
		TenantID:           in.TenantID,
		Source:             in.Source,
		Action:             in.Action,
		ProjectID:          in.ProjectID,
		Environment:        in.Environment,
		ResourceRef:        in.ResourceRef,
		IdempotencyKey:     in.IdempotencyKey,
		RequestFingerprint: in.RequestFingerprint,
		RequesterID:        in.RequesterID,
		Status:             status,
		ReasonCode:         reason,
		EstimatedMonthly:   in.EstimatedMonthly,
		EstimatedHourly:    in.EstimatedHourly,
		ComputedContext:    cc,
		Waterfall:          wf.Stages,
		Shadow:             shadow,
		ModeScope:          scope,
		CreatedAt:          now,
	}
	if doc != nil {
		d.PolicyVersion = doc.PolicyVersion
		d.PolicyDocumentSHA256 = doc.SHA256
		d.PolicySchemaVersion = doc.SchemaVersion
	}

	// Credit holds are taken for ALLOW_WITH_CREDITS and optimistically for
	// REQUIRE_APPROVAL; shadow evaluations never mutate balances. A reserve
	// race against another source downgrades to the pool's denial.
	held := false
	if shadow == nil && len(wf.Allocations) > 0 &&
		(d.Status == contracts.StatusAllowWithCredits || d.Status == contracts.StatusRequireApproval) {
		if err := e.reserve(ctx, d, wf.Allocations, now); err != nil {
			if !errors.Is(err, reservation.ErrInsufficientCredits) {
				return nil, err
			}
			d.Status = contracts.StatusDeny
			d.ReasonCode = contracts.ReasonReservedCreditsExhausted
			d.ApprovalRequestID = ""
		} else {
			held = true
		}
	}

	if err := e.deps.Decisions.InsertDecision(ctx, d); err != nil {
		if held {
			// The hold references a decision that was never persisted; give
			// the credits back instead of waiting out the sweep TTL.
			if _, rerr := e.deps.Credits.Refund(ctx, d.ID, now); rerr != nil {
				e.logger.Error("refund after decision insert failure",
					"decision_id", d.ID, "error", rerr)
			}
		}
		if errors.Is(err, contracts.ErrConflict) {
			// Lost an insert race despite the lock (cross-node clock skew);
			// fall back to the stored decision.
			stored, getErr := e.deps.Decisions.GetByIdempotency(ctx, in.TenantID, in.Source, in.IdempotencyKey)
			if getErr == nil && stored.RequestFingerprint == in.RequestFingerprint {
				return stored, nil
			}
			return nil, fmt.Errorf("%w: key %q", contracts.ErrIdempotencyConflict, in.IdempotencyKey)
		}
		return nil, err
	}

	entry, err := decisionledger.Snapshot(d, decisionledger.TransitionCreated, now)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Decisions.Append(ctx, entry); err != nil {
		return nil, err
	}

	if d.Status == contracts.StatusRequireApproval {
		if _, err := e.deps.Approvals.Create(ctx, d, rule, trace); err != nil {
			return nil, err
		}
	}

	if shadow == nil && projectAlloc != nil &&
		(d.Status == contracts.StatusAllow || d.Status == contracts.StatusAllowWithCredits) {
		if err := e.deps.Budgets.Charge(ctx, in.TenantID, in.ProjectID, budgets.MonthKey(now), in.EstimatedMonthly); err != nil {
			return nil, err
		}
	}

	e.logger.Info("gate decision",
		"decision_id", d.ID, "tenant_id", d.TenantID, "source", d.Source,
		"status", d.Status, "reason_code", d.ReasonCode, "mode_scope", d.ModeScope)
	return d, nil
}

// reserve takes the proposed allocations as holds, aggregated per pool.
func (e *Engine) reserve(ctx context.Context, d *contracts.Decision, allocs []contracts.CreditAllocation, now time.Time) error {
	perPool := map[contracts.PoolType]money.USD{}
	for _, a := range allocs {
		perPool[a.PoolType] += a.Amount
	}
	for _, pool := range []contracts.PoolType{contracts.PoolReserved, contracts.PoolEmergency} {
		amount := perPool[pool]
		if amount == 0 {
			continue
		}
		if _, err := e.deps.Credits.Reserve(ctx, d.ID, d.TenantID, pool, amount, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) projectAllocation(ctx context.Context, in *contracts.GateInput, now time.Time) (*budgets.Allocation, error) {
	alloc, err := e.deps.Budgets.Get(ctx, in.TenantID, in.ProjectID, budgets.MonthKey(now))
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (e *Engine) activeGrants(ctx context.Context, tenantID string, now time.Time) (reserved, emergency []contracts.CreditGrant, err error) {
	grants, err := e.deps.Credits.Grants(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	for _, g := range grants {
		if !g.ExpiresAt.After(now) {
			continue
		}
		switch g.PoolType {
		case contracts.PoolReserved:
			reserved = append(reserved, g)
		case contracts.PoolEmergency:
			emergency = append(emergency, g)
		}
	}
	return reserved, emergency, nil
}

// replay returns the stored decision for a seen idempotency key. The second
// return reports whether the key was found at all; a fingerprint mismatch is
// the conflict case.
func (e *Engine) replay(ctx context.Context, in *contracts.GateInput) (*contracts.GateResponse, bool, error) {
	d, err := e.deps.Decisions.GetByIdempotency(ctx, in.TenantID, in.Source, in.IdempotencyKey)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nil // degraded read; the locked path retries
	}
	if d.RequestFingerprint != in.RequestFingerprint {
		return nil, true, fmt.Errorf("%w: key %q", contracts.ErrIdempotencyConflict, in.IdempotencyKey)
	}
	resp := contracts.ResponseFor(d, true)
	return &resp, true, nil
}

// failSafe persists the mode-dictated fallback decision. The parent context
// may already be past its deadline, so persistence runs detached from it.
func (e *Engine) failSafe(ctx context.Context, in *contracts.GateInput, doc *contracts.PolicyDocument, mode contracts.Mode, scope, reason string, now time.Time) (*contracts.GateResponse, error) {
	ctx = context.WithoutCancel(ctx)

	d := &contracts.Decision{
		ID:                 uuid.NewString(),
		TenantID:           in.TenantID,
		Source:             in.Source,
		Action:             in.Action,
		ProjectID:          in.ProjectID,
		Environment:        in.Environment,
		ResourceRef:        in.ResourceRef,
		IdempotencyKey:     in.IdempotencyKey,
		RequestFingerprint: in.RequestFingerprint,
		RequesterID:        in.RequesterID,
		Status:             policy.FailSafeStatus(mode),
		ReasonCode:         reason,
		EstimatedMonthly:   in.EstimatedMonthly,
		EstimatedHourly:    in.EstimatedHourly,
		ComputedContext: contracts.ComputedContext{
			ContextVersion: contracts.ContextVersion,
			GeneratedAt:    now,
			DataSourceMode: contracts.DataSourceUnavailable,
			Anomaly:        contracts.Anomaly{Kind: contracts.AnomalyNone},
			RiskClass:      contracts.RiskLow,
		},
		ModeScope: scope,
		CreatedAt: now,
	}
	if doc != nil {
		d.PolicyVersion = doc.PolicyVersion
		d.PolicyDocumentSHA256 = doc.SHA256
		d.PolicySchemaVersion = doc.SchemaVersion
	}

	if err := e.deps.Decisions.InsertDecision(ctx, d); err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			stored, getErr := e.deps.Decisions.GetByIdempotency(ctx, in.TenantID, in.Source, in.IdempotencyKey)
			if getErr == nil && stored.RequestFingerprint == in.RequestFingerprint {
				resp := contracts.ResponseFor(stored, true)
				return &resp, nil
			}
		}
		e.logger.Error("fail-safe decision not persisted",
			"tenant_id", in.TenantID, "source", in.Source, "reason", reason, "error", err)
		// The caller still gets the fail-safe disposition.
	} else {
		if entry, err := decisionledger.Snapshot(d, decisionledger.TransitionCreated, now); err == nil {
			if err := e.deps.Decisions.Append(ctx, entry); err != nil {
				e.logger.Error("fail-safe ledger append failed", "decision_id", d.ID, "error", err)
			}
		}
		if d.Status == contracts.StatusFailSafeRequireApproval {
			if _, err := e.deps.Approvals.Create(ctx, d, nil, nil); err != nil {
				e.logger.Error("fail-safe approval not created", "decision_id", d.ID, "error", err)
			}
		}
	}

	e.logger.Warn("fail-safe decision",
		"decision_id", d.ID, "tenant_id", d.TenantID, "source", d.Source,
		"status", d.Status, "reason_code", d.ReasonCode, "mode_scope", d.ModeScope)
	resp := contracts.ResponseFor(d, false)
	return &resp, nil
}

func validateInput(in *contracts.GateInput) error {
	switch {
	case in == nil:
		return fmt.Errorf("%w: empty gate input", contracts.ErrInvalidRequest)
	case in.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", contracts.ErrInvalidRequest)
	case !contracts.KnownSource(in.Source):
		return fmt.Errorf("%w: unknown source %q", contracts.ErrInvalidRequest, in.Source)
	case in.Action == "":
		return fmt.Errorf("%w: action is required", contracts.ErrInvalidRequest)
	case in.ProjectID == "":
		return fmt.Errorf("%w: project_id is required", contracts.ErrInvalidRequest)
	case in.EstimatedMonthly.IsNegative() || in.EstimatedHourly.IsNegative():
		return fmt.Errorf("%w: negative cost delta", contracts.ErrInvalidRequest)
	case in.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key is required", contracts.ErrInvalidRequest)
	}
	if in.RequestFingerprint == "" {
		canonical, err := canonicalize.Canonical(in)
		if err != nil {
			return fmt.Errorf("%w: fingerprint input: %v", contracts.ErrInvalidRequest, err)
		}
		in.RequestFingerprint = canonicalize.HashBytes(canonical)
	}
	return nil
}
