package gates

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	admissionv1 "k8s.io/api/admission/v1"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

func preflight() *TerraformPreflight {
	return &TerraformPreflight{
		RunID:            "run-42",
		Stage:            StagePlan,
		ResourceAddr:     "aws_db_instance.main",
		Action:           "rds.create_db_instance",
		ProjectID:        "web",
		Environment:      "prod",
		EstimatedMonthly: money.FromDollars(400),
		EstimatedHourly:  money.FromDollars(1),
	}
}

func TestTerraformGateInput(t *testing.T) {
	in, err := preflight().GateInput("t1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceTerraform, in.Source)
	assert.Equal(t, "terraform:run-42:plan", in.IdempotencyKey)
	assert.Equal(t, "aws_db_instance.main", in.ResourceRef)
	assert.NotEmpty(t, in.RequestFingerprint)

	// Same change, same fingerprint.
	again, err := preflight().GateInput("t1")
	require.NoError(t, err)
	assert.Equal(t, in.RequestFingerprint, again.RequestFingerprint)

	// A changed estimate is a different request.
	p := preflight()
	p.EstimatedMonthly = money.FromDollars(500)
	changed, err := p.GateInput("t1")
	require.NoError(t, err)
	assert.NotEqual(t, in.RequestFingerprint, changed.RequestFingerprint)
}

func TestTerraformExpectedFingerprint(t *testing.T) {
	in, err := preflight().GateInput("t1")
	require.NoError(t, err)

	p := preflight()
	p.ExpectedFingerprint = in.RequestFingerprint
	_, err = p.GateInput("t1")
	assert.NoError(t, err)

	p.ExpectedFingerprint = "deadbeef"
	_, err = p.GateInput("t1")
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
}

func TestTerraformValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *TerraformPreflight)
	}{
		{"missing run", func(p *TerraformPreflight) { p.RunID = "" }},
		{"bad stage", func(p *TerraformPreflight) { p.Stage = "destroy" }},
		{"missing resource", func(p *TerraformPreflight) { p.ResourceAddr = "" }},
		{"missing action", func(p *TerraformPreflight) { p.Action = "" }},
		{"missing project", func(p *TerraformPreflight) { p.ProjectID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := preflight()
			tc.mutate(p)
			_, err := p.GateInput("t1")
			assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
		})
	}
}

func admissionReview(annotations map[string]string) *admissionv1.AdmissionReview {
	obj := map[string]any{"metadata": map[string]any{"annotations": annotations}}
	raw, _ := json.Marshal(obj)
	return &admissionv1.AdmissionReview{
		Request: &admissionv1.AdmissionRequest{
			UID:       types.UID("uid-1"),
			Operation: admissionv1.Create,
			Resource:  metav1.GroupVersionResource{Version: "v1", Resource: "pods"},
			Namespace: "team-web",
			Name:      "api-7c9d",
			Object:    runtime.RawExtension{Raw: raw},
			UserInfo:  authenticationv1.UserInfo{Username: "alice"},
		},
	}
}

func TestAdmissionGateInput(t *testing.T) {
	review := admissionReview(map[string]string{
		AnnotationCostMonthly: "120.50",
		AnnotationCostHourly:  "0.25",
		AnnotationEnvironment: "prod",
	})

	in, err := AdmissionGateInput("t1", review)
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceK8sAdmission, in.Source)
	assert.Equal(t, "k8s:uid-1", in.IdempotencyKey)
	assert.Equal(t, "k8s.create.pods", in.Action)
	assert.Equal(t, "team-web", in.ProjectID)
	assert.Equal(t, "prod", in.Environment)
	assert.Equal(t, "team-web/api-7c9d", in.ResourceRef)
	assert.Equal(t, "alice", in.RequesterID)
	assert.Equal(t, money.USD(120_500_000), in.EstimatedMonthly)
	assert.Equal(t, money.USD(250_000), in.EstimatedHourly)
}

func TestAdmissionGateInput_ProjectAnnotationWins(t *testing.T) {
	review := admissionReview(map[string]string{AnnotationProject: "payments"})
	in, err := AdmissionGateInput("t1", review)
	require.NoError(t, err)
	assert.Equal(t, "payments", in.ProjectID)
}

func TestAdmissionGateInput_BadCostAnnotation(t *testing.T) {
	for _, bad := range []string{"12.34.56", "not-a-number", "-5", "1.1234567"} {
		review := admissionReview(map[string]string{AnnotationCostMonthly: bad})
		_, err := AdmissionGateInput("t1", review)
		assert.ErrorIs(t, err, contracts.ErrInvalidRequest, bad)
	}
}

func TestAdmissionGateInput_MissingRequest(t *testing.T) {
	_, err := AdmissionGateInput("t1", &admissionv1.AdmissionReview{})
	assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
}

func TestAdmissionResponse(t *testing.T) {
	review := admissionReview(nil)

	deny := AdmissionResponse(review, &contracts.GateResponse{
		DecisionID: "d-1",
		Status:     contracts.StatusDeny,
		ReasonCode: contracts.ReasonOverPlanCeiling,
	})
	assert.Equal(t, types.UID("uid-1"), deny.Response.UID)
	assert.False(t, deny.Response.Allowed)
	assert.Equal(t, int32(403), deny.Response.Result.Code)
	assert.Equal(t, contracts.ReasonOverPlanCeiling, deny.Response.AuditAnnotations[auditAnnotationReason])
	assert.Equal(t, "d-1", deny.Response.AuditAnnotations[auditAnnotationDecision])

	allow := AdmissionResponse(review, &contracts.GateResponse{
		DecisionID: "d-2",
		Status:     contracts.StatusAllowWithCredits,
		ReasonCode: contracts.ReasonOK,
	})
	assert.True(t, allow.Response.Allowed)
	assert.Equal(t, int32(200), allow.Response.Result.Code)

	hold := AdmissionResponse(review, &contracts.GateResponse{
		DecisionID:        "d-3",
		Status:            contracts.StatusRequireApproval,
		ReasonCode:        contracts.ReasonApprovalRequired,
		ApprovalRequestID: "ap-1",
	})
	assert.False(t, hold.Response.Allowed)
	require.Len(t, hold.Response.Warnings, 1)
	assert.Contains(t, hold.Response.Warnings[0], "ap-1")
}

func cloudEvent(data string) *CloudEvent {
	return &CloudEvent{
		ID:          "evt-1",
		Source:      "aws.ec2",
		SpecVersion: "1.0",
		Type:        "ec2.instance.launched",
		Data:        json.RawMessage(data),
	}
}

func TestCloudEventGateInput(t *testing.T) {
	e := cloudEvent(`{"project_id": "web", "environment": "prod",
		"resource_ref": "i-0abc", "estimated_monthly_delta_usd": "250"}`)

	in, err := e.GateInput("t1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceCloudEvent, in.Source)
	assert.Equal(t, "cloudevent:evt-1", in.IdempotencyKey)
	assert.Equal(t, "ec2.instance.launched", in.Action) // falls back to type
	assert.Equal(t, money.FromDollars(250), in.EstimatedMonthly)
	assert.NotEmpty(t, in.RequestFingerprint)

	// The data digest ignores key order.
	reordered := cloudEvent(`{"environment": "prod", "estimated_monthly_delta_usd": "250",
		"resource_ref": "i-0abc", "project_id": "web"}`)
	in2, err := reordered.GateInput("t1")
	require.NoError(t, err)
	assert.Equal(t, in.RequestFingerprint, in2.RequestFingerprint)
}

func TestCloudEventValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(e *CloudEvent)
	}{
		{"missing id", func(e *CloudEvent) { e.ID = "" }},
		{"bad specversion", func(e *CloudEvent) { e.SpecVersion = "0.3" }},
		{"missing type", func(e *CloudEvent) { e.Type = "" }},
		{"missing data", func(e *CloudEvent) { e.Data = nil }},
		{"missing project", func(e *CloudEvent) { e.Data = json.RawMessage(`{}`) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := cloudEvent(`{"project_id": "web"}`)
			tc.mutate(e)
			_, err := e.GateInput("t1")
			assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
		})
	}
}

func TestGenericGateInput(t *testing.T) {
	in, err := GenericGateInput("t1", &contracts.GateInput{
		Action:           "custom.provision",
		ProjectID:        "web",
		Environment:      "nonprod",
		EstimatedMonthly: money.FromDollars(10),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceGeneric, in.Source)
	assert.NotEmpty(t, in.RequestFingerprint)
	assert.Equal(t, "generic:"+in.RequestFingerprint, in.IdempotencyKey)

	// Caller-supplied keys survive.
	in2, err := GenericGateInput("t1", &contracts.GateInput{
		Action: "custom.provision", ProjectID: "web", IdempotencyKey: "mine",
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", in2.IdempotencyKey)
}
