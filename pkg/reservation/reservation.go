// Package reservation implements the credit grant and reservation ledger:
// atomic debits against pre-purchased credit pools, settlement against
// actual spend, refunds, and the overdue sweep. Grant balances are only
// mutated inside ledger transactions; `0 <= remaining <= initial` is
// enforced with guarded updates, and a violation surfaces as
// ErrInvariantViolation rather than being clamped away.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// ErrInsufficientCredits is returned when the pool cannot cover the
// requested reservation. The waterfall maps it to the pool's exhausted
// reason code.
var ErrInsufficientCredits = errors.New("reservation: insufficient credits")

// reservationTTL bounds how long an unreconciled reservation may hold
// credits before the sweep refunds it.
const reservationTTL = 24 * time.Hour

// Ledger is the credit reservation boundary used by the decision engine and
// the reconciliation worker.
type Ledger interface {
	// CreateGrant registers a new credit grant. ID and CreatedAt are
	// assigned when empty.
	CreateGrant(ctx context.Context, grant *contracts.CreditGrant) error
	// Grants returns every grant for the tenant, expired included, in
	// consumption order (expires_at, created_at, id ascending).
	Grants(ctx context.Context, tenantID string) ([]contracts.CreditGrant, error)
	// Available sums the remaining balance of unexpired grants in one pool.
	Available(ctx context.Context, tenantID string, pool contracts.PoolType, at time.Time) (money.USD, error)
	// Reserve debits amount from the pool, splitting across grants in
	// consumption order. All-or-nothing: on ErrInsufficientCredits no grant
	// is touched.
	Reserve(ctx context.Context, decisionID, tenantID string, pool contracts.PoolType, amount money.USD, at time.Time) ([]contracts.ReservationAllocation, error)
	// Settle finalizes a decision's reservations against the actual amount.
	// Actual spend is settled oldest-allocation-first; the unspent remainder
	// is refunded to its grants. Settling a decision with no active
	// reservations is a no-op.
	Settle(ctx context.Context, decisionID string, actual money.USD, at time.Time) (settled, refunded money.USD, err error)
	// Refund returns every active reservation of the decision to its grants.
	Refund(ctx context.Context, decisionID string, at time.Time) (money.USD, error)
	// Allocations returns the decision's reservation rows, oldest first.
	Allocations(ctx context.Context, decisionID string) ([]contracts.ReservationAllocation, error)
	// ListWindow returns a tenant's reservation rows created within
	// [from, to), ordered by (created_at, id) for deterministic exports.
	ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ReservationAllocation, error)
	// SweepOverdue refunds up to limit reservations whose hold expired
	// before the given time. Each reservation is processed by exactly one
	// worker. Returns the refunded allocations so the caller can record the
	// release per decision.
	SweepOverdue(ctx context.Context, at time.Time, limit int) ([]contracts.ReservationAllocation, error)
}
