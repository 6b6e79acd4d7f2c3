// Package contracts defines the shared wire and domain types for the
// enforcement control plane: gate inputs, decisions, entitlement waterfall
// snapshots, approvals, credit reservations, and policy documents.
package contracts

import (
	"strings"
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// Source identifies which protocol adapter produced a gate request.
type Source string

const (
	SourceTerraform    Source = "terraform"
	SourceK8sAdmission Source = "k8s_admission"
	SourceCloudEvent   Source = "cloud_event"
	SourceGeneric      Source = "generic"
)

// KnownSource reports whether s is one of the supported gate sources.
func KnownSource(s Source) bool {
	switch s {
	case SourceTerraform, SourceK8sAdmission, SourceCloudEvent, SourceGeneric:
		return true
	}
	return false
}

// Status is the outcome of a gate evaluation.
type Status string

const (
	StatusAllow            Status = "ALLOW"
	StatusDeny             Status = "DENY"
	StatusRequireApproval  Status = "REQUIRE_APPROVAL"
	StatusAllowWithCredits Status = "ALLOW_WITH_CREDITS"

	// FAIL_SAFE_* statuses are produced when evaluation could not complete
	// (timeout, lock contention, dependency outage) and the fail-safe mode
	// dictated the outcome instead of the waterfall.
	StatusFailSafeAllow           Status = "FAIL_SAFE_ALLOW"
	StatusFailSafeDeny            Status = "FAIL_SAFE_DENY"
	StatusFailSafeRequireApproval Status = "FAIL_SAFE_REQUIRE_APPROVAL"
)

// Terminal reports whether the status ends the decision lifecycle without
// an approval phase.
func (s Status) Terminal() bool {
	return s != StatusRequireApproval && s != StatusFailSafeRequireApproval
}

// Stable reason codes attached to decisions. These are machine-readable API
// surface; renaming one is a breaking change.
const (
	ReasonOK                        = "ok"
	ReasonOverPlanCeiling           = "over_plan_ceiling"
	ReasonOverProjectAllocation     = "over_project_allocation"
	ReasonReservedCreditsExhausted  = "reserved_credits_exhausted"
	ReasonEmergencyCreditsExhausted = "emergency_credits_exhausted"
	ReasonOverEnterpriseCeiling     = "over_enterprise_ceiling"
	ReasonApprovalRequired          = "approval_required"
	ReasonGateLockTimeout           = "gate_lock_timeout"
	ReasonGateLockContended         = "gate_lock_contended"
	ReasonTimeout                   = "timeout"
	ReasonInternalError             = "internal_error"
	ReasonDependencyUnavailable     = "dependency_unavailable"
	ReasonIdempotencyConflict       = "idempotency_conflict"
	ReasonThrottled                 = "throttled"
	ReasonInvariantViolation        = "invariant_violation"
)

// ApprovalTokenContract is returned on every gate response: approval tokens
// are only ever issued through the approval flow, never inline in a gate
// response.
const ApprovalTokenContract = "approval_flow_only"

// Environment normalization. Anything that is not recognizably production is
// treated as nonprod for mode-matrix purposes; the raw value is preserved on
// the decision.
const (
	EnvProd    = "prod"
	EnvNonProd = "nonprod"
)

// NormalizeEnvironment maps a caller-supplied environment string onto the
// mode-matrix axis. Prefixed variants like "prod-a" or "production-eu" count
// as production; Kubernetes namespaces commonly carry such suffixes.
func NormalizeEnvironment(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	switch env {
	case "prod", "production", "prd", "live":
		return EnvProd
	}
	for _, prefix := range []string{"prod-", "production-", "prd-", "live-"} {
		if strings.HasPrefix(env, prefix) {
			return EnvProd
		}
	}
	return EnvNonProd
}

// GateInput is the normalized input every protocol adapter produces.
type GateInput struct {
	TenantID           string    `json:"tenant_id"`
	Source             Source    `json:"source"`
	IdempotencyKey     string    `json:"idempotency_key,omitempty"`
	RequestFingerprint string    `json:"request_fingerprint,omitempty"`
	Action             string    `json:"action"`
	ProjectID          string    `json:"project_id"`
	Environment        string    `json:"environment"`
	ResourceRef        string    `json:"resource_ref,omitempty"`
	RequesterID        string    `json:"requester_id,omitempty"`
	EstimatedMonthly   money.USD `json:"estimated_monthly_delta_usd"`
	EstimatedHourly    money.USD `json:"estimated_hourly_delta_usd"`
}

// Decision is the persisted outcome of a gate evaluation.
type Decision struct {
	ID                 string `json:"id"`
	TenantID           string `json:"tenant_id"`
	Source             Source `json:"source"`
	Action             string `json:"action"`
	ProjectID          string `json:"project_id"`
	Environment        string `json:"environment"`
	ResourceRef        string `json:"resource_ref,omitempty"`
	IdempotencyKey     string `json:"idempotency_key"`
	RequestFingerprint string `json:"request_fingerprint"`
	RequesterID        string `json:"requester_id,omitempty"`

	Status     Status `json:"status"`
	ReasonCode string `json:"reason_code"`

	EstimatedMonthly money.USD `json:"estimated_monthly_delta_usd"`
	EstimatedHourly  money.USD `json:"estimated_hourly_delta_usd"`

	ComputedContext ComputedContext `json:"computed_context"`
	Waterfall       []StageOutcome  `json:"entitlement_waterfall"`

	// Shadow captures what would have happened when the gate ran in SHADOW
	// mode and the recorded status was forced to ALLOW.
	Shadow *ShadowOutcome `json:"shadow,omitempty"`

	PolicyVersion        int    `json:"policy_version"`
	PolicyDocumentSHA256 string `json:"policy_document_sha256"`
	PolicySchemaVersion  string `json:"policy_document_schema_version"`
	ModeScope            string `json:"mode_scope"`

	ApprovalRequestID string    `json:"approval_request_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ShadowOutcome records the suppressed outcome of a SHADOW-mode evaluation.
type ShadowOutcome struct {
	WouldBeStatus Status `json:"would_be_status"`
	WouldBeReason string `json:"would_be_reason"`
}

// GateResponse is the common JSON body returned by every gate endpoint.
type GateResponse struct {
	DecisionID            string          `json:"decision_id"`
	Status                Status          `json:"status"`
	ReasonCode            string          `json:"reason_code"`
	ComputedContext       ComputedContext `json:"computed_context"`
	Waterfall             []StageOutcome  `json:"entitlement_waterfall"`
	ApprovalRequestID     string          `json:"approval_request_id,omitempty"`
	ApprovalTokenContract string          `json:"approval_token_contract"`
	PolicyVersion         int             `json:"policy_version"`
	PolicyDocumentSHA256  string          `json:"policy_document_sha256"`
	ModeScope             string          `json:"mode_scope"`
	Replayed              bool            `json:"replayed,omitempty"`
}

// ResponseFor assembles the gate response body for a decision.
func ResponseFor(d *Decision, replayed bool) GateResponse {
	return GateResponse{
		DecisionID:            d.ID,
		Status:                d.Status,
		ReasonCode:            d.ReasonCode,
		ComputedContext:       d.ComputedContext,
		Waterfall:             d.Waterfall,
		ApprovalRequestID:     d.ApprovalRequestID,
		ApprovalTokenContract: ApprovalTokenContract,
		PolicyVersion:         d.PolicyVersion,
		PolicyDocumentSHA256:  d.PolicyDocumentSHA256,
		ModeScope:             d.ModeScope,
		Replayed:              replayed,
	}
}
