package gates

import (
	"encoding/json"
	"fmt"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// CloudEvent is the CloudEvents v1.0 envelope the post-provision gate
// consumes.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
}

// cloudEventData is the event payload shape.
type cloudEventData struct {
	Action           string    `json:"action"`
	ProjectID        string    `json:"project_id"`
	Environment      string    `json:"environment"`
	ResourceRef      string    `json:"resource_ref"`
	RequesterID      string    `json:"requester_id"`
	EstimatedMonthly money.USD `json:"estimated_monthly_delta_usd"`
	EstimatedHourly  money.USD `json:"estimated_hourly_delta_usd"`
}

// GateInput validates the envelope and converts it. The data digest is kept
// as the request fingerprint, which doubles as the audit field for the raw
// event body.
func (e *CloudEvent) GateInput(tenantID string) (*contracts.GateInput, error) {
	switch {
	case e.ID == "":
		return nil, fmt.Errorf("%w: event id is required", contracts.ErrInvalidRequest)
	case e.SpecVersion != "1.0":
		return nil, fmt.Errorf("%w: unsupported specversion %q", contracts.ErrInvalidRequest, e.SpecVersion)
	case e.Type == "":
		return nil, fmt.Errorf("%w: event type is required", contracts.ErrInvalidRequest)
	case len(e.Data) == 0:
		return nil, fmt.Errorf("%w: event data is required", contracts.ErrInvalidRequest)
	}

	var data cloudEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: event data: %v", contracts.ErrInvalidRequest, err)
	}
	action := data.Action
	if action == "" {
		action = e.Type
	}
	if data.ProjectID == "" {
		return nil, fmt.Errorf("%w: event data project_id is required", contracts.ErrInvalidRequest)
	}

	canonical, err := canonicalize.CanonicalBytes(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: event data: %v", contracts.ErrInvalidRequest, err)
	}

	return &contracts.GateInput{
		TenantID:           tenantID,
		Source:             contracts.SourceCloudEvent,
		IdempotencyKey:     "cloudevent:" + e.ID,
		RequestFingerprint: canonicalize.HashBytes(canonical),
		Action:             action,
		ProjectID:          data.ProjectID,
		Environment:        data.Environment,
		ResourceRef:        data.ResourceRef,
		RequesterID:        data.RequesterID,
		EstimatedMonthly:   data.EstimatedMonthly,
		EstimatedHourly:    data.EstimatedHourly,
	}, nil
}

// GenericGateInput normalizes a caller-assembled gate input: the source is
// pinned, and missing idempotency keys default to the fingerprint.
func GenericGateInput(tenantID string, in *contracts.GateInput) (*contracts.GateInput, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: empty gate input", contracts.ErrInvalidRequest)
	}
	out := *in
	out.TenantID = tenantID
	out.Source = contracts.SourceGeneric
	if out.RequestFingerprint == "" {
		fingerprint, err := Fingerprint(map[string]any{
			"action":            out.Action,
			"project_id":        out.ProjectID,
			"environment":       out.Environment,
			"resource_ref":      out.ResourceRef,
			"estimated_monthly": out.EstimatedMonthly,
			"estimated_hourly":  out.EstimatedHourly,
		})
		if err != nil {
			return nil, err
		}
		out.RequestFingerprint = fingerprint
	}
	if out.IdempotencyKey == "" {
		out.IdempotencyKey = "generic:" + out.RequestFingerprint
	}
	return &out, nil
}
