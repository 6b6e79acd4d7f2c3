// Package policy manages versioned, content-hashed policy documents and
// resolves the fail-safe enforcement mode per (source, environment) cell.
// The canonical payload is the source of truth; scalar columns are
// materialized from it at put time.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
)

// Defaults applied when the payload omits the corresponding field.
const (
	defaultMaxAttempts   = 3
	defaultRetryBackoffS = 30
	defaultLeaseTTLS     = 120
	defaultRoutingQuorum = 1
)

// Parse validates a raw policy payload and materializes a PolicyDocument
// from it. PolicyVersion and CreatedAt are assigned by the store at put
// time, not here. A payload that fails schema validation, carries a
// non-semver schema_version, or contains a routing rule whose match_cel
// does not compile is rejected with ErrInvalidRequest.
func Parse(payload []byte) (*contracts.PolicyDocument, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("%w: policy payload is not JSON: %v", contracts.ErrInvalidRequest, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: policy payload schema: %v", contracts.ErrInvalidRequest, err)
	}

	var doc contracts.PolicyDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: policy payload decode: %v", contracts.ErrInvalidRequest, err)
	}

	if _, err := semver.NewVersion(doc.SchemaVersion); err != nil {
		return nil, fmt.Errorf("%w: schema_version %q is not semver: %v",
			contracts.ErrInvalidRequest, doc.SchemaVersion, err)
	}

	// Unset mode cells fail closed.
	for _, m := range []*contracts.Mode{
		&doc.TerraformModeProd, &doc.TerraformModeNonProd,
		&doc.K8sModeProd, &doc.K8sModeNonProd,
	} {
		if *m == "" {
			*m = contracts.ModeHard
		}
		if !contracts.KnownMode(*m) {
			return nil, fmt.Errorf("%w: unknown enforcement mode %q", contracts.ErrInvalidRequest, *m)
		}
	}

	if doc.PlanMonthlyCeiling.IsNegative() || doc.EnterpriseMonthlyCeiling.IsNegative() {
		return nil, fmt.Errorf("%w: ceilings must be non-negative", contracts.ErrInvalidRequest)
	}
	if doc.ActionMaxAttempts <= 0 {
		doc.ActionMaxAttempts = defaultMaxAttempts
	}
	if doc.ActionRetryBackoffSeconds <= 0 {
		doc.ActionRetryBackoffSeconds = defaultRetryBackoffS
	}
	if doc.ActionLeaseTTLSeconds <= 0 {
		doc.ActionLeaseTTLSeconds = defaultLeaseTTLS
	}

	matcher, err := NewMatcher()
	if err != nil {
		return nil, err
	}
	for i := range doc.ApprovalRoutingRules {
		rule := &doc.ApprovalRoutingRules[i]
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("rule-%d", i)
		}
		if rule.Quorum <= 0 {
			rule.Quorum = defaultRoutingQuorum
		}
		if rule.MonthlyDeltaThreshold.IsNegative() {
			return nil, fmt.Errorf("%w: routing rule %s: negative monthly_delta_threshold",
				contracts.ErrInvalidRequest, rule.ID)
		}
		if rule.Environment != "" {
			rule.Environment = contracts.NormalizeEnvironment(rule.Environment)
		}
		if rule.MatchCEL != "" {
			if err := matcher.Check(rule.MatchCEL); err != nil {
				return nil, fmt.Errorf("%w: routing rule %s: %v", contracts.ErrInvalidRequest, rule.ID, err)
			}
		}
	}

	canonical, err := canonicalize.CanonicalBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrInvalidRequest, err)
	}
	doc.CanonicalPayload = canonical
	doc.SHA256 = canonicalize.HashBytes(canonical)
	return &doc, nil
}
