package contracts

import (
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// ApprovalStatus is the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
	ApprovalConsumed ApprovalStatus = "CONSUMED"
)

// RoutingTraceEntry records one routing rule considered while selecting the
// reviewer pool, for auditability of the deterministic match order.
type RoutingTraceEntry struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
	Note    string `json:"note,omitempty"`
}

// ApprovalRequest is the HITL workflow entity attached to a
// REQUIRE_APPROVAL decision.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	DecisionID  string         `json:"decision_id"`
	TenantID    string         `json:"tenant_id"`
	RequesterID string         `json:"requester_id"`
	Status      ApprovalStatus `json:"status"`

	RoutingRuleID string              `json:"routing_rule_id"`
	RoutingTrace  []RoutingTraceEntry `json:"routing_trace"`

	QuorumRequired int      `json:"quorum_required"`
	QuorumCount    int      `json:"quorum_count"`
	ReviewerID     string   `json:"reviewer_id,omitempty"`
	ReviewerIDs    []string `json:"reviewer_ids,omitempty"`

	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TokenType is the fixed claim value for enforcement approval tokens.
const TokenType = "enforcement_approval"

// ApprovalTokenClaims are the bindings carried by a one-time approval token.
// Every claim is checked against the decision at consume time.
type ApprovalTokenClaims struct {
	TenantID    string    `json:"tenant_id"`
	ProjectID   string    `json:"project_id"`
	Environment string    `json:"environment"`
	Source      Source    `json:"source"`
	DecisionID  string    `json:"decision_id"`
	ApprovalID  string    `json:"approval_id"`
	Fingerprint string    `json:"fingerprint"`
	MaxMonthly  money.USD `json:"max_monthly_delta_usd"`
	MaxHourly   money.USD `json:"max_hourly_delta_usd"`
}

// Reviewer carries the identity-provider claims relevant to approval
// authority checks.
type Reviewer struct {
	ID          string   `json:"id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// HasRole reports whether the reviewer holds any of the given roles.
func (r Reviewer) HasRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range r.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// HasPermission reports whether the reviewer holds the exact permission.
func (r Reviewer) HasPermission(perm string) bool {
	for _, have := range r.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// ApprovalDecisionLimits echoes the deltas a token authorizes.
type ApprovalDecisionLimits struct {
	RequestedMonthly money.USD `json:"requested_monthly_delta_usd"`
	RequestedHourly  money.USD `json:"requested_hourly_delta_usd"`
}
