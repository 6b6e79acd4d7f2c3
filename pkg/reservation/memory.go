package reservation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// MemoryLedger is the in-memory Ledger used in tests and single-node dev.
// It mirrors the Postgres implementation's semantics, including the
// all-or-nothing reserve and the newest-first refund on partial settlement.
type MemoryLedger struct {
	mu     sync.Mutex
	grants map[string]*contracts.CreditGrant
	allocs []*contracts.ReservationAllocation
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{grants: make(map[string]*contracts.CreditGrant)}
}

// CreateGrant implements Ledger.
func (l *MemoryLedger) CreateGrant(_ context.Context, grant *contracts.CreditGrant) error {
	if grant.Initial.IsNegative() || grant.Remaining.IsNegative() || grant.Remaining > grant.Initial {
		return fmt.Errorf("%w: grant balance out of range", contracts.ErrInvariantViolation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	cp := *grant
	l.grants[grant.ID] = &cp
	return nil
}

// Grants implements Ledger.
func (l *MemoryLedger) Grants(_ context.Context, tenantID string) ([]contracts.CreditGrant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.CreditGrant
	for _, g := range l.grants {
		if g.TenantID == tenantID {
			out = append(out, *g)
		}
	}
	sortGrants(out)
	return out, nil
}

// Available implements Ledger.
func (l *MemoryLedger) Available(_ context.Context, tenantID string, pool contracts.PoolType, at time.Time) (money.USD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total money.USD
	for _, g := range l.grants {
		if g.TenantID == tenantID && g.PoolType == pool && g.ExpiresAt.After(at) {
			total += g.Remaining
		}
	}
	return total, nil
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(_ context.Context, decisionID, tenantID string, pool contracts.PoolType, amount money.USD, at time.Time) ([]contracts.ReservationAllocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive reservation amount", contracts.ErrInvalidRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var candidates []*contracts.CreditGrant
	var available money.USD
	for _, g := range l.grants {
		if g.TenantID == tenantID && g.PoolType == pool && g.ExpiresAt.After(at) && g.Remaining > 0 {
			candidates = append(candidates, g)
			available += g.Remaining
		}
	}
	if available < amount {
		return nil, ErrInsufficientCredits
	}
	sort.Slice(candidates, func(i, j int) bool { return grantLess(*candidates[i], *candidates[j]) })

	var out []contracts.ReservationAllocation
	left := amount
	for _, g := range candidates {
		if left == 0 {
			break
		}
		take := money.Min(left, g.Remaining)
		g.Remaining -= take
		left -= take

		alloc := &contracts.ReservationAllocation{
			ID:         uuid.NewString(),
			DecisionID: decisionID,
			TenantID:   tenantID,
			GrantID:    g.ID,
			PoolType:   pool,
			Amount:     take,
			State:      contracts.AllocationReserved,
			ExpiresAt:  at.Add(reservationTTL),
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		l.allocs = append(l.allocs, alloc)
		out = append(out, *alloc)
	}
	return out, nil
}

// Settle implements Ledger.
func (l *MemoryLedger) Settle(_ context.Context, decisionID string, actual money.USD, at time.Time) (money.USD, money.USD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	active := l.activeAllocs(decisionID)
	if len(active) == 0 {
		return 0, 0, nil
	}

	// Settle actual spend oldest-first; refund the remainder newest-first.
	var settled, refunded money.USD
	left := actual
	for _, a := range active {
		use := money.Min(left, a.Amount)
		keep := a.Amount - use
		left -= use

		if keep > 0 {
			if err := l.returnToGrant(a.GrantID, keep); err != nil {
				return 0, 0, err
			}
			refunded += keep
		}
		settled += use
		a.Settled = use
		if use > 0 {
			a.State = contracts.AllocationSettled
		} else {
			a.State = contracts.AllocationRefunded
		}
		a.UpdatedAt = at
	}
	return settled, refunded, nil
}

// Refund implements Ledger.
func (l *MemoryLedger) Refund(_ context.Context, decisionID string, at time.Time) (money.USD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var refunded money.USD
	for _, a := range l.activeAllocs(decisionID) {
		if err := l.returnToGrant(a.GrantID, a.Amount); err != nil {
			return 0, err
		}
		refunded += a.Amount
		a.State = contracts.AllocationRefunded
		a.UpdatedAt = at
	}
	return refunded, nil
}

// Allocations implements Ledger.
func (l *MemoryLedger) Allocations(_ context.Context, decisionID string) ([]contracts.ReservationAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.ReservationAllocation
	for _, a := range l.allocs {
		if a.DecisionID == decisionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// ListWindow implements Ledger.
func (l *MemoryLedger) ListWindow(_ context.Context, tenantID string, from, to time.Time) ([]contracts.ReservationAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.ReservationAllocation
	for _, a := range l.allocs {
		if a.TenantID == tenantID && !a.CreatedAt.Before(from) && a.CreatedAt.Before(to) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SweepOverdue implements Ledger.
func (l *MemoryLedger) SweepOverdue(_ context.Context, at time.Time, limit int) ([]contracts.ReservationAllocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var swept []contracts.ReservationAllocation
	for _, a := range l.allocs {
		if len(swept) >= limit {
			break
		}
		if a.State != contracts.AllocationReserved || !a.ExpiresAt.Before(at) {
			continue
		}
		if err := l.returnToGrant(a.GrantID, a.Amount); err != nil {
			return swept, err
		}
		a.State = contracts.AllocationRefunded
		a.UpdatedAt = at
		swept = append(swept, *a)
	}
	return swept, nil
}

func (l *MemoryLedger) activeAllocs(decisionID string) []*contracts.ReservationAllocation {
	var out []*contracts.ReservationAllocation
	for _, a := range l.allocs {
		if a.DecisionID == decisionID && a.State == contracts.AllocationReserved {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *MemoryLedger) returnToGrant(grantID string, amount money.USD) error {
	g, ok := l.grants[grantID]
	if !ok {
		return fmt.Errorf("%w: refund against unknown grant %s", contracts.ErrInvariantViolation, grantID)
	}
	if g.Remaining+amount > g.Initial {
		return fmt.Errorf("%w: refund would exceed grant %s initial balance", contracts.ErrInvariantViolation, grantID)
	}
	g.Remaining += amount
	return nil
}

func sortGrants(grants []contracts.CreditGrant) {
	sort.Slice(grants, func(i, j int) bool { return grantLess(grants[i], grants[j]) })
}

// grantLess orders grants for consumption: soonest expiry first, then
// creation time, then id. The fixed order keeps reservations deterministic
// under equal expiries.
func grantLess(a, b contracts.CreditGrant) bool {
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
