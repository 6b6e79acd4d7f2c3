package contracts

import (
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// PoolType distinguishes the two credit pools. Reserved credits are consumed
// before emergency credits; emergency grants are intended for incident
// overrides.
type PoolType string

const (
	PoolReserved  PoolType = "reserved"
	PoolEmergency PoolType = "emergency"
)

// CreditGrant is a pre-purchased block of spend headroom.
// Invariant: 0 <= Remaining <= Initial, only mutated inside ledger
// transactions.
type CreditGrant struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	PoolType  PoolType  `json:"pool_type"`
	Initial   money.USD `json:"initial_amount_usd"`
	Remaining money.USD `json:"remaining_amount_usd"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// AllocationState is the lifecycle of a reservation allocation.
type AllocationState string

const (
	AllocationReserved AllocationState = "reserved"
	AllocationSettled  AllocationState = "settled"
	AllocationRefunded AllocationState = "refunded"
)

// ReservationAllocation links a decision to a debit against one grant.
// Amount is the originally reserved hold and never changes after creation;
// Settled records the portion charged against actual spend once the
// allocation leaves the reserved state.
type ReservationAllocation struct {
	ID         string          `json:"id"`
	DecisionID string          `json:"decision_id"`
	TenantID   string          `json:"tenant_id"`
	GrantID    string          `json:"grant_id"`
	PoolType   PoolType        `json:"pool_type"`
	Amount     money.USD       `json:"amount_usd"`
	Settled    money.USD       `json:"settled_usd"`
	State      AllocationState `json:"state"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ReconcileOutcome is the idempotent result of settling or refunding a
// decision's reservations.
type ReconcileOutcome struct {
	DecisionID     string    `json:"decision_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	SettledUSD     money.USD `json:"settled_usd"`
	RefundedUSD    money.USD `json:"refunded_usd"`
	Trigger        string    `json:"trigger"` // "manual" or "auto"
	ProcessedAt    time.Time `json:"processed_at"`
	Replayed       bool      `json:"replayed,omitempty"`
}
