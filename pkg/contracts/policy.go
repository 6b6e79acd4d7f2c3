package contracts

import (
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// Mode is the fail-safe enforcement mode for one (source, environment) cell.
type Mode string

const (
	// ModeShadow always allows; the would-be outcome is recorded.
	ModeShadow Mode = "SHADOW"
	// ModeSoft converts ceiling DENY outcomes into REQUIRE_APPROVAL.
	ModeSoft Mode = "SOFT"
	// ModeHard denies on ceiling breach.
	ModeHard Mode = "HARD"
)

// KnownMode reports whether m is a valid enforcement mode.
func KnownMode(m Mode) bool {
	return m == ModeShadow || m == ModeSoft || m == ModeHard
}

// RoutingRule selects the reviewer pool for approvals. Rules are evaluated
// in ascending (priority, position) order; the first match wins.
type RoutingRule struct {
	ID                    string    `json:"id"`
	Priority              int       `json:"priority"`
	Environment           string    `json:"env,omitempty"`
	ActionPrefix          string    `json:"action_prefix,omitempty"`
	MonthlyDeltaThreshold money.USD `json:"monthly_delta_threshold"`
	RiskLevel             RiskClass `json:"risk_level,omitempty"`
	AllowedReviewerRoles  []string  `json:"allowed_reviewer_roles"`
	Quorum                int       `json:"quorum"`

	// MatchCEL optionally narrows the rule with a CEL expression over
	// {env, action, monthly_delta, risk_level, source, project}.
	// Compile errors reject the policy document at put time.
	MatchCEL string `json:"match_cel,omitempty"`
}

// SeparationPolicy controls maker-checker enforcement per environment axis.
type SeparationPolicy struct {
	Prod    bool `json:"prod"`
	NonProd bool `json:"nonprod"`
}

// PolicyDocument is the versioned, content-hashed policy-as-code entity.
// Scalar fields are materialized from the canonical payload, which remains
// the single source of truth.
type PolicyDocument struct {
	SchemaVersion    string `json:"schema_version"`
	PolicyVersion    int    `json:"policy_version"`
	CanonicalPayload []byte `json:"-"`
	SHA256           string `json:"sha256_hash"`

	TerraformModeProd    Mode `json:"terraform_mode_prod"`
	TerraformModeNonProd Mode `json:"terraform_mode_nonprod"`
	K8sModeProd          Mode `json:"k8s_mode_prod"`
	K8sModeNonProd       Mode `json:"k8s_mode_nonprod"`

	PlanMonthlyCeiling       money.USD `json:"plan_monthly_ceiling_usd"`
	EnterpriseMonthlyCeiling money.USD `json:"enterprise_monthly_ceiling_usd"`

	ApprovalRoutingRules []RoutingRule    `json:"approval_routing_rules"`
	Separation           SeparationPolicy `json:"requester_reviewer_separation"`

	ActionMaxAttempts         int `json:"action_max_attempts"`
	ActionRetryBackoffSeconds int `json:"action_retry_backoff_seconds"`
	ActionLeaseTTLSeconds     int `json:"action_lease_ttl_seconds"`

	CreatedAt time.Time `json:"created_at"`
}

// ProjectBudget is a project-scoped monthly allocation cap.
type ProjectBudget struct {
	TenantID   string    `json:"tenant_id"`
	ProjectID  string    `json:"project_id"`
	MonthlyCap money.USD `json:"monthly_cap_usd"`
	UpdatedAt  time.Time `json:"updated_at"`
}
