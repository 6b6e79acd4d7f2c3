// Package gates converts protocol-specific payloads (Terraform preflight,
// Kubernetes AdmissionReview, CloudEvents, generic JSON) into the common
// gate input, with deterministic idempotency keys and canonical request
// fingerprints per source.
package gates

import (
	"fmt"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// TerraformStage is the preflight stage a run task reports from.
type TerraformStage string

const (
	StagePlan  TerraformStage = "plan"
	StageApply TerraformStage = "apply"
)

// TerraformPreflight is the run-task-style preflight request body.
type TerraformPreflight struct {
	RunID        string         `json:"run_id"`
	Stage        TerraformStage `json:"stage"`
	ResourceAddr string         `json:"resource_addr"`
	Action       string         `json:"action"`
	ProjectID    string         `json:"project_id"`
	Environment  string         `json:"environment"`
	RequesterID  string         `json:"requester_id,omitempty"`

	EstimatedMonthly money.USD `json:"estimated_cost_delta_usd_monthly"`
	EstimatedHourly  money.USD `json:"estimated_cost_delta_usd_hourly"`

	// ExpectedFingerprint lets a retrying caller assert it is re-sending
	// the same change. A mismatch is rejected before evaluation.
	ExpectedFingerprint string `json:"expected_request_fingerprint,omitempty"`
}

// Continuation is the run-task continuation binding returned with terraform
// gate responses.
type Continuation struct {
	PollURL           string `json:"poll_url"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
}

// TerraformResponse wraps the common gate response with the run-task
// continuation.
type TerraformResponse struct {
	contracts.GateResponse
	Continuation Continuation `json:"continuation"`
}

// GateInput validates the preflight and converts it. The fingerprint covers
// the resource address, action, and both estimates, so a retried run with a
// changed plan is detected as a different request.
func (p *TerraformPreflight) GateInput(tenantID string) (*contracts.GateInput, error) {
	switch {
	case p.RunID == "":
		return nil, fmt.Errorf("%w: run_id is required", contracts.ErrInvalidRequest)
	case p.Stage != StagePlan && p.Stage != StageApply:
		return nil, fmt.Errorf("%w: stage must be plan or apply", contracts.ErrInvalidRequest)
	case p.ResourceAddr == "":
		return nil, fmt.Errorf("%w: resource_addr is required", contracts.ErrInvalidRequest)
	case p.Action == "":
		return nil, fmt.Errorf("%w: action is required", contracts.ErrInvalidRequest)
	case p.ProjectID == "":
		return nil, fmt.Errorf("%w: project_id is required", contracts.ErrInvalidRequest)
	}

	fingerprint, err := Fingerprint(map[string]any{
		"resource_addr":     p.ResourceAddr,
		"action":            p.Action,
		"estimated_monthly": p.EstimatedMonthly,
		"estimated_hourly":  p.EstimatedHourly,
	})
	if err != nil {
		return nil, err
	}
	if p.ExpectedFingerprint != "" && p.ExpectedFingerprint != fingerprint {
		return nil, fmt.Errorf("%w: request fingerprint mismatch", contracts.ErrInvalidRequest)
	}

	return &contracts.GateInput{
		TenantID:           tenantID,
		Source:             contracts.SourceTerraform,
		IdempotencyKey:     fmt.Sprintf("terraform:%s:%s", p.RunID, p.Stage),
		RequestFingerprint: fingerprint,
		Action:             p.Action,
		ProjectID:          p.ProjectID,
		Environment:        p.Environment,
		ResourceRef:        p.ResourceAddr,
		RequesterID:        p.RequesterID,
		EstimatedMonthly:   p.EstimatedMonthly,
		EstimatedHourly:    p.EstimatedHourly,
	}, nil
}

// Fingerprint hashes a payload facet canonically.
func Fingerprint(v any) (string, error) {
	canonical, err := canonicalize.Canonical(v)
	if err != nil {
		return "", fmt.Errorf("%w: fingerprint: %v", contracts.ErrInvalidRequest, err)
	}
	return canonicalize.HashBytes(canonical), nil
}
