// Package tiers defines the product tier catalogue for enforcement.
// Tiers map to plan ceilings and entitlement features; tenant→tier
// resolution lives in pkg/tenants.
package tiers

import "github.com/valdrix/enforcement/pkg/money"

// TierID identifies a product tier.
type TierID string

const (
	TierFree       TierID = "FREE"
	TierStarter    TierID = "STARTER"
	TierGrowth     TierID = "GROWTH"
	TierPro        TierID = "PRO"
	TierEnterprise TierID = "ENTERPRISE"
)

// Limits defines the default entitlement ceilings for a tier. A tenant's
// active policy document may lower (never raise) the plan ceiling.
type Limits struct {
	PlanMonthlyCeiling       money.USD // default plan ceiling
	EnterpriseMonthlyCeiling money.USD // global cap; 0 = not applicable
	MaxProjectBudgets        int       // -1 = unlimited
	MaxCreditGrants          int       // -1 = unlimited
	ApprovalExpiryHours      int       // default approval request TTL
}

// Tier represents a product tier.
type Tier struct {
	ID          TierID
	Name        string
	Description string
	Limits      Limits
	Features    []string
}

var (
	Free = Tier{
		ID:          TierFree,
		Name:        "Free",
		Description: "For individuals evaluating enforcement",
		Limits: Limits{
			PlanMonthlyCeiling:  money.FromDollars(50),
			MaxProjectBudgets:   1,
			MaxCreditGrants:     0,
			ApprovalExpiryHours: 24,
		},
		Features: []string{"gate_terraform", "gate_generic"},
	}

	Starter = Tier{
		ID:          TierStarter,
		Name:        "Starter",
		Description: "For small teams",
		Limits: Limits{
			PlanMonthlyCeiling:  money.FromDollars(100),
			MaxProjectBudgets:   5,
			MaxCreditGrants:     2,
			ApprovalExpiryHours: 24,
		},
		Features: []string{"gate_terraform", "gate_generic", "gate_k8s"},
	}

	Growth = Tier{
		ID:          TierGrowth,
		Name:        "Growth",
		Description: "For production workloads",
		Limits: Limits{
			PlanMonthlyCeiling:  money.FromDollars(5_000),
			MaxProjectBudgets:   25,
			MaxCreditGrants:     10,
			ApprovalExpiryHours: 24,
		},
		Features: []string{"gate_terraform", "gate_generic", "gate_k8s", "gate_cloud_event", "exports"},
	}

	Pro = Tier{
		ID:          TierPro,
		Name:        "Pro",
		Description: "For organizations with approval workflows",
		Limits: Limits{
			PlanMonthlyCeiling:  money.FromDollars(10_000),
			MaxProjectBudgets:   100,
			MaxCreditGrants:     50,
			ApprovalExpiryHours: 24,
		},
		Features: []string{"all_gates", "exports", "credits", "approval_routing"},
	}

	Enterprise = Tier{
		ID:          TierEnterprise,
		Name:        "Enterprise",
		Description: "For large organizations with compliance needs",
		Limits: Limits{
			PlanMonthlyCeiling:       money.FromDollars(100_000),
			EnterpriseMonthlyCeiling: money.FromDollars(1_000_000),
			MaxProjectBudgets:        -1,
			MaxCreditGrants:          -1,
			ApprovalExpiryHours:      72,
		},
		Features: []string{"all", "sso", "audit_exports", "custom_routing"},
	}

	// AllTiers contains all available tiers.
	AllTiers = map[TierID]Tier{
		TierFree:       Free,
		TierStarter:    Starter,
		TierGrowth:     Growth,
		TierPro:        Pro,
		TierEnterprise: Enterprise,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// Known reports whether id names a valid tier.
func Known(id TierID) bool {
	_, ok := AllTiers[id]
	return ok
}

// HasFeature checks if a tier has a specific feature.
func (t *Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}
