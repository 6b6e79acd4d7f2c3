// Package waterfall evaluates the entitlement waterfall: plan ceiling,
// project allocation, reserved credits, emergency credits, enterprise
// ceiling, in that exact order. Evaluation is a pure function over a
// snapshot of balances; the decision engine reserves the proposed credit
// allocations afterwards inside the gate transaction.
package waterfall

import (
	"fmt"
	"sort"

	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// Input is the balance snapshot the waterfall evaluates against. Grant
// slices must contain only unexpired grants; order is normalized here.
type Input struct {
	Requested money.USD

	PlanCeiling     money.USD
	ActivePlanUsage money.USD

	// Project is nil when the project has no configured allocation; the
	// stage then short-circuits as pass.
	Project *budgets.Allocation

	ReservedGrants  []contracts.CreditGrant
	EmergencyGrants []contracts.CreditGrant

	// EnterpriseCeiling zero means not configured.
	EnterpriseCeiling money.USD
	TenantTotalUsage  money.USD
}

// Evaluate runs the waterfall. The first limiting stage sets the result's
// reason code. A negative ceiling, usage, or balance is an invariant
// violation and fails closed; it is never treated as unlimited.
func Evaluate(in Input) (*contracts.WaterfallResult, error) {
	if err := checkNonNegative(in); err != nil {
		return nil, err
	}

	res := &contracts.WaterfallResult{Pass: true, LimitingReason: contracts.ReasonOK}
	limit := func(stage contracts.Stage, reason string) {
		if res.Pass {
			res.Pass = false
			res.LimitingStage = stage
			res.LimitingReason = reason
		}
	}

	// Stage 1: plan ceiling. The plan funds the request only when it fits
	// whole under the headroom; a request the plan cannot cover falls through
	// to the credit pools in full, never split across plan and credits.
	planHeadroom := in.PlanCeiling - in.ActivePlanUsage
	if planHeadroom < 0 {
		planHeadroom = 0
	}
	planFits := in.Requested <= planHeadroom
	planStage := contracts.StageOutcome{
		Stage:      contracts.StagePlanCeiling,
		Pass:       planFits,
		ReasonCode: stageReason(planFits, contracts.ReasonOverPlanCeiling),
		Remaining:  planHeadroom,
	}
	if planFits {
		planStage.Consumed = in.Requested
		planStage.Remaining = planHeadroom - in.Requested
	}
	res.Stages = append(res.Stages, planStage)
	if !planFits && !hasCredits(in) {
		limit(contracts.StagePlanCeiling, contracts.ReasonOverPlanCeiling)
	}

	// Stage 2: project allocation. A configured cap binds the full request;
	// credits do not bypass project caps.
	projectStage := contracts.StageOutcome{Stage: contracts.StageProjectAllocation, Pass: true, ReasonCode: contracts.ReasonOK}
	if in.Project == nil {
		projectStage.Skipped = true
		projectStage.Note = "no_budget_configured"
	} else {
		headroom := in.Project.Headroom()
		projectStage.Consumed = money.Min(in.Requested, headroom)
		projectStage.Remaining = headroom - projectStage.Consumed
		if in.Requested > headroom {
			projectStage.Pass = false
			projectStage.ReasonCode = contracts.ReasonOverProjectAllocation
			limit(contracts.StageProjectAllocation, contracts.ReasonOverProjectAllocation)
		}
	}
	res.Stages = append(res.Stages, projectStage)

	// Stages 3 and 4: credit pools cover the full request when the plan
	// stage did not, oldest expiry first.
	var need money.USD
	if !planFits {
		need = in.Requested
	}
	reservedStage, need := consumePool(contracts.StageReservedCredits, contracts.PoolReserved, in.ReservedGrants, need)
	emergencyAvailable := totalRemaining(in.EmergencyGrants)
	if need > 0 && emergencyAvailable == 0 {
		// No emergency pool to fall through to: reserved credits are the
		// last chance and they ran out.
		reservedStage.Pass = false
		reservedStage.ReasonCode = contracts.ReasonReservedCreditsExhausted
		limit(contracts.StageReservedCredits, contracts.ReasonReservedCreditsExhausted)
	}
	res.Stages = append(res.Stages, reservedStage)
	res.Allocations = append(res.Allocations, reservedStage.Credits...)

	emergencyStage, need := consumePool(contracts.StageEmergencyCredits, contracts.PoolEmergency, in.EmergencyGrants, need)
	if need > 0 && emergencyAvailable > 0 {
		emergencyStage.Pass = false
		emergencyStage.ReasonCode = contracts.ReasonEmergencyCreditsExhausted
		limit(contracts.StageEmergencyCredits, contracts.ReasonEmergencyCreditsExhausted)
	}
	res.Stages = append(res.Stages, emergencyStage)
	res.Allocations = append(res.Allocations, emergencyStage.Credits...)

	// Stage 5: enterprise ceiling binds total tenant spend including this
	// request, regardless of how it is funded.
	enterpriseStage := contracts.StageOutcome{Stage: contracts.StageEnterpriseCeiling, Pass: true, ReasonCode: contracts.ReasonOK}
	if in.EnterpriseCeiling == 0 {
		enterpriseStage.Skipped = true
		enterpriseStage.Note = "no_enterprise_ceiling"
	} else {
		headroom := in.EnterpriseCeiling - in.TenantTotalUsage
		if headroom < 0 {
			headroom = 0
		}
		enterpriseStage.Consumed = money.Min(in.Requested, headroom)
		enterpriseStage.Remaining = headroom - enterpriseStage.Consumed
		if in.Requested > headroom {
			enterpriseStage.Pass = false
			enterpriseStage.ReasonCode = contracts.ReasonOverEnterpriseCeiling
			limit(contracts.StageEnterpriseCeiling, contracts.ReasonOverEnterpriseCeiling)
		}
	}
	res.Stages = append(res.Stages, enterpriseStage)

	if !res.Pass {
		res.Allocations = nil
	}
	return res, nil
}

// consumePool debits need across a pool's grants in consumption order and
// returns the stage snapshot plus the uncovered remainder.
func consumePool(stage contracts.Stage, pool contracts.PoolType, grants []contracts.CreditGrant, need money.USD) (contracts.StageOutcome, money.USD) {
	sorted := make([]contracts.CreditGrant, len(grants))
	copy(sorted, grants)
	sort.Slice(sorted, func(i, j int) bool { return grantLess(sorted[i], sorted[j]) })

	out := contracts.StageOutcome{Stage: stage, Pass: true, ReasonCode: contracts.ReasonOK}
	for _, g := range sorted {
		out.Remaining += g.Remaining
	}
	for _, g := range sorted {
		if need == 0 {
			break
		}
		take := money.Min(need, g.Remaining)
		if take == 0 {
			continue
		}
		out.Credits = append(out.Credits, contracts.CreditAllocation{
			GrantID:  g.ID,
			PoolType: pool,
			Amount:   take,
		})
		out.Consumed += take
		need -= take
	}
	out.Remaining -= out.Consumed
	return out, need
}

func hasCredits(in Input) bool {
	return totalRemaining(in.ReservedGrants)+totalRemaining(in.EmergencyGrants) > 0
}

func totalRemaining(grants []contracts.CreditGrant) money.USD {
	var total money.USD
	for _, g := range grants {
		total += g.Remaining
	}
	return total
}

func checkNonNegative(in Input) error {
	named := map[string]money.USD{
		"requested":          in.Requested,
		"plan_ceiling":       in.PlanCeiling,
		"active_plan_usage":  in.ActivePlanUsage,
		"enterprise_ceiling": in.EnterpriseCeiling,
		"tenant_total_usage": in.TenantTotalUsage,
	}
	for name, v := range named {
		if v.IsNegative() {
			return fmt.Errorf("%w: negative %s in waterfall input", contracts.ErrInvariantViolation, name)
		}
	}
	if in.Project != nil && (in.Project.MonthlyCap.IsNegative() || in.Project.Used.IsNegative()) {
		return fmt.Errorf("%w: negative project allocation in waterfall input", contracts.ErrInvariantViolation)
	}
	for _, g := range append(append([]contracts.CreditGrant{}, in.ReservedGrants...), in.EmergencyGrants...) {
		if g.Remaining.IsNegative() || g.Remaining > g.Initial {
			return fmt.Errorf("%w: grant %s balance out of range in waterfall input", contracts.ErrInvariantViolation, g.ID)
		}
	}
	return nil
}

func stageReason(pass bool, failReason string) string {
	if pass {
		return contracts.ReasonOK
	}
	return failReason
}

func grantLess(a, b contracts.CreditGrant) bool {
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
