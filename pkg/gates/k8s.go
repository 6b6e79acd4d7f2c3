package gates

import (
	"encoding/json"
	"fmt"
	"strings"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// Cost and placement annotations read off the admitted object.
const (
	AnnotationCostMonthly = "valdrix.io/cost-monthly-usd"
	AnnotationCostHourly  = "valdrix.io/cost-hourly-usd"
	AnnotationEnvironment = "valdrix.io/environment"
	AnnotationProject     = "valdrix.io/project"

	auditAnnotationReason   = "valdrix.io/reason-code"
	auditAnnotationDecision = "valdrix.io/decision-id"
)

// objectMeta is the slice of the admitted object the gate reads.
type objectMeta struct {
	Metadata struct {
		Annotations map[string]string `json:"annotations"`
	} `json:"metadata"`
}

// AdmissionGateInput converts a native AdmissionReview request. Cost
// estimates come from object annotations; a malformed decimal there is an
// invalid request, never a silent zero.
func AdmissionGateInput(tenantID string, review *admissionv1.AdmissionReview) (*contracts.GateInput, error) {
	if review == nil || review.Request == nil {
		return nil, fmt.Errorf("%w: admission review has no request", contracts.ErrInvalidRequest)
	}
	req := review.Request
	if req.UID == "" {
		return nil, fmt.Errorf("%w: admission request uid is required", contracts.ErrInvalidRequest)
	}

	var meta objectMeta
	if len(req.Object.Raw) > 0 {
		if err := json.Unmarshal(req.Object.Raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: admitted object is not json: %v", contracts.ErrInvalidRequest, err)
		}
	}
	annotations := meta.Metadata.Annotations

	monthly, err := costAnnotation(annotations, AnnotationCostMonthly)
	if err != nil {
		return nil, err
	}
	hourly, err := costAnnotation(annotations, AnnotationCostHourly)
	if err != nil {
		return nil, err
	}

	project := annotations[AnnotationProject]
	if project == "" {
		project = req.Namespace
	}
	if project == "" {
		return nil, fmt.Errorf("%w: namespace or project annotation is required", contracts.ErrInvalidRequest)
	}
	environment := annotations[AnnotationEnvironment]
	if environment == "" {
		environment = req.Namespace
	}

	return &contracts.GateInput{
		TenantID:       tenantID,
		Source:         contracts.SourceK8sAdmission,
		IdempotencyKey: "k8s:" + string(req.UID),
		Action: fmt.Sprintf("k8s.%s.%s",
			strings.ToLower(string(req.Operation)), req.Resource.Resource),
		ProjectID:        project,
		Environment:      environment,
		ResourceRef:      strings.TrimPrefix(req.Namespace+"/"+req.Name, "/"),
		RequesterID:      req.UserInfo.Username,
		EstimatedMonthly: monthly,
		EstimatedHourly:  hourly,
	}, nil
}

func costAnnotation(annotations map[string]string, key string) (money.USD, error) {
	raw, ok := annotations[key]
	if !ok || raw == "" {
		return 0, nil
	}
	usd, err := money.ParseUSD(raw)
	if err != nil || usd.IsNegative() {
		return 0, fmt.Errorf("%w: annotation %s: invalid cost %q", contracts.ErrInvalidRequest, key, raw)
	}
	return usd, nil
}

// AdmissionResponse renders the gate decision back in the verbatim
// Kubernetes contract: the request uid is echoed and denial carries an
// HTTP-style 403.
func AdmissionResponse(review *admissionv1.AdmissionReview, resp *contracts.GateResponse) *admissionv1.AdmissionReview {
	allowed := resp.Status == contracts.StatusAllow ||
		resp.Status == contracts.StatusAllowWithCredits ||
		resp.Status == contracts.StatusFailSafeAllow

	code := int32(200)
	message := string(resp.Status)
	if !allowed {
		code = 403
		message = fmt.Sprintf("%s: %s", resp.Status, resp.ReasonCode)
	}

	var warnings []string
	if resp.Status == contracts.StatusRequireApproval || resp.Status == contracts.StatusFailSafeRequireApproval {
		warnings = append(warnings,
			fmt.Sprintf("approval required: request %s", resp.ApprovalRequestID))
	}

	return &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: admissionv1.SchemeGroupVersion.String(),
			Kind:       "AdmissionReview",
		},
		Response: &admissionv1.AdmissionResponse{
			UID:     review.Request.UID,
			Allowed: allowed,
			Result: &metav1.Status{
				Code:    code,
				Message: message,
				Reason:  metav1.StatusReason(resp.ReasonCode),
			},
			Warnings: warnings,
			AuditAnnotations: map[string]string{
				auditAnnotationReason:   resp.ReasonCode,
				auditAnnotationDecision: resp.DecisionID,
			},
		},
	}
}
