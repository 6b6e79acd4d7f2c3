// Package budgets tracks project-scoped monthly allocations: a configured
// cap plus the month-to-date usage charged against it. A project without a
// configured cap has no allocation; the waterfall treats that stage as a
// pass.
package budgets

import (
	"context"
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// Allocation is one project's cap and usage for one calendar month.
type Allocation struct {
	TenantID   string    `json:"tenant_id"`
	ProjectID  string    `json:"project_id"`
	MonthKey   string    `json:"month_key"` // "2026-08"
	MonthlyCap money.USD `json:"monthly_cap_usd"`
	Used       money.USD `json:"used_usd"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Headroom returns the remaining allocation, never below zero.
func (a *Allocation) Headroom() money.USD {
	h := a.MonthlyCap - a.Used
	if h < 0 {
		return 0
	}
	return h
}

// MonthKey renders the allocation month for a point in time.
func MonthKey(at time.Time) string {
	return at.UTC().Format("2006-01")
}

// Store persists project allocations. Usage counters roll over naturally
// because they are keyed by month.
type Store interface {
	// Get returns the allocation for (tenant, project, month), or
	// ErrNotFound when the project has no configured cap.
	Get(ctx context.Context, tenantID, projectID, monthKey string) (*Allocation, error)
	// SetCap configures (or replaces) the project's monthly cap.
	SetCap(ctx context.Context, tenantID, projectID string, cap money.USD) error
	// Charge adds usage for the month. Negative amounts release usage;
	// the stored counter is floored at zero.
	Charge(ctx context.Context, tenantID, projectID, monthKey string, amount money.USD) error
	// List returns every allocation configured for a tenant in a month.
	List(ctx context.Context, tenantID, monthKey string) ([]Allocation, error)
}
