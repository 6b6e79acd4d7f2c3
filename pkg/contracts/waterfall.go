package contracts

import "github.com/valdrix/enforcement/pkg/money"

// Stage names the entitlement waterfall stages in evaluation order.
type Stage string

const (
	StagePlanCeiling       Stage = "plan_ceiling"
	StageProjectAllocation Stage = "project_allocation"
	StageReservedCredits   Stage = "reserved_credits"
	StageEmergencyCredits  Stage = "emergency_credits"
	StageEnterpriseCeiling Stage = "enterprise_ceiling"
)

// StageOrder is the exact evaluation order of the waterfall.
var StageOrder = []Stage{
	StagePlanCeiling,
	StageProjectAllocation,
	StageReservedCredits,
	StageEmergencyCredits,
	StageEnterpriseCeiling,
}

// CreditAllocation is a per-grant debit proposed by the waterfall and later
// persisted by the reservation ledger.
type CreditAllocation struct {
	GrantID  string    `json:"grant_id"`
	PoolType PoolType  `json:"pool_type"`
	Amount   money.USD `json:"amount_usd"`
}

// StageOutcome is the snapshot of one waterfall stage, embedded in the
// decision payload.
type StageOutcome struct {
	Stage      Stage              `json:"stage"`
	Pass       bool               `json:"pass"`
	ReasonCode string             `json:"reason_code"`
	Consumed   money.USD          `json:"consumed_amount_usd"`
	Remaining  money.USD          `json:"remaining_amount_usd"`
	Credits    []CreditAllocation `json:"credit_allocations,omitempty"`

	// Skipped marks stages short-circuited as pass, e.g. project allocation
	// when no budget is configured.
	Skipped bool   `json:"skipped,omitempty"`
	Note    string `json:"note,omitempty"`
}

// WaterfallResult is the full evaluation output.
type WaterfallResult struct {
	Stages []StageOutcome `json:"stages"`

	// Pass is true when no stage limited the request.
	Pass bool `json:"pass"`

	// LimitingReason is the reason code of the first limiting stage, or
	// ReasonOK when all stages passed.
	LimitingReason string `json:"limiting_reason"`

	// LimitingStage is set when Pass is false.
	LimitingStage Stage `json:"limiting_stage,omitempty"`

	// Allocations aggregates all proposed credit debits across stages.
	Allocations []CreditAllocation `json:"allocations,omitempty"`
}
