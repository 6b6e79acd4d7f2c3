package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

const validPayload = `{
	"schema_version": "1.2.0",
	"terraform_mode_prod": "HARD",
	"terraform_mode_nonprod": "SOFT",
	"k8s_mode_prod": "HARD",
	"k8s_mode_nonprod": "SHADOW",
	"plan_monthly_ceiling_usd": "5000.00",
	"enterprise_monthly_ceiling_usd": "1000000",
	"approval_routing_rules": [
		{"id": "prod-db", "priority": 10, "env": "prod", "action_prefix": "rds.",
		 "monthly_delta_threshold": "500", "allowed_reviewer_roles": ["dba"], "quorum": 2},
		{"id": "catch-all", "priority": 100, "allowed_reviewer_roles": ["platform"]}
	],
	"requester_reviewer_separation": {"prod": true, "nonprod": false},
	"action_max_attempts": 5
}`

func TestParse_Valid(t *testing.T) {
	doc, err := Parse([]byte(validPayload))
	require.NoError(t, err)

	assert.Equal(t, "1.2.0", doc.SchemaVersion)
	assert.Equal(t, contracts.ModeHard, doc.TerraformModeProd)
	assert.Equal(t, contracts.ModeShadow, doc.K8sModeNonProd)
	assert.Equal(t, money.FromDollars(5000), doc.PlanMonthlyCeiling)
	assert.Equal(t, money.FromDollars(1_000_000), doc.EnterpriseMonthlyCeiling)
	assert.Len(t, doc.ApprovalRoutingRules, 2)
	assert.Equal(t, 2, doc.ApprovalRoutingRules[0].Quorum)
	assert.Equal(t, 1, doc.ApprovalRoutingRules[1].Quorum) // default
	assert.True(t, doc.Separation.Prod)
	assert.Equal(t, 5, doc.ActionMaxAttempts)
	assert.Equal(t, defaultRetryBackoffS, doc.ActionRetryBackoffSeconds)
	assert.NotEmpty(t, doc.SHA256)
	assert.NotEmpty(t, doc.CanonicalPayload)
}

func TestParse_HashIgnoresFormatting(t *testing.T) {
	a, err := Parse([]byte(`{"schema_version": "1.0.0", "plan_monthly_ceiling_usd": "100"}`))
	require.NoError(t, err)
	b, err := Parse([]byte("{\n  \"plan_monthly_ceiling_usd\": \"100\",\n  \"schema_version\": \"1.0.0\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, a.SHA256, b.SHA256)
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"missing schema_version", `{"plan_monthly_ceiling_usd": "100"}`},
		{"bad semver", `{"schema_version": "v1"}`},
		{"bad mode", `{"schema_version": "1.0.0", "terraform_mode_prod": "MAYBE"}`},
		{"unknown field", `{"schema_version": "1.0.0", "surprise": true}`},
		{"empty reviewer roles", `{"schema_version": "1.0.0",
			"approval_routing_rules": [{"allowed_reviewer_roles": []}]}`},
		{"zero quorum", `{"schema_version": "1.0.0",
			"approval_routing_rules": [{"allowed_reviewer_roles": ["x"], "quorum": 0}]}`},
		{"bad cel", `{"schema_version": "1.0.0",
			"approval_routing_rules": [{"allowed_reviewer_roles": ["x"], "match_cel": "nonsense("}]}`},
		{"non-bool cel", `{"schema_version": "1.0.0",
			"approval_routing_rules": [{"allowed_reviewer_roles": ["x"], "match_cel": "action"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrInvalidRequest)
		})
	}
}

func TestSelectRule_PriorityThenConfigOrder(t *testing.T) {
	m, err := NewMatcher()
	require.NoError(t, err)

	rules := []contracts.RoutingRule{
		{ID: "late-low-priority", Priority: 50, AllowedReviewerRoles: []string{"a"}},
		{ID: "first-of-equal", Priority: 10, AllowedReviewerRoles: []string{"b"}},
		{ID: "second-of-equal", Priority: 10, AllowedReviewerRoles: []string{"c"}},
	}
	rule, trace := m.SelectRule(rules, RuleInput{Environment: "prod", Action: "ec2.run"})
	require.NotNil(t, rule)
	assert.Equal(t, "first-of-equal", rule.ID)

	// Trace covers every rule in evaluation order.
	require.Len(t, trace, 3)
	assert.Equal(t, "first-of-equal", trace[0].RuleID)
	assert.True(t, trace[0].Matched)
	assert.Equal(t, "second-of-equal", trace[1].RuleID)
	assert.Equal(t, "late-low-priority", trace[2].RuleID)
}

func TestSelectRule_Filters(t *testing.T) {
	m, err := NewMatcher()
	require.NoError(t, err)

	rules := []contracts.RoutingRule{
		{ID: "prod-only", Environment: "prod", AllowedReviewerRoles: []string{"a"}},
		{ID: "rds-only", ActionPrefix: "rds.", AllowedReviewerRoles: []string{"a"}},
		{ID: "big-spend", MonthlyDeltaThreshold: money.FromDollars(1000), AllowedReviewerRoles: []string{"a"}},
		{ID: "high-risk", RiskLevel: contracts.RiskHigh, AllowedReviewerRoles: []string{"a"}},
	}
	in := RuleInput{
		Environment:  "nonprod",
		Action:       "ec2.run",
		MonthlyDelta: money.FromDollars(10),
		Risk:         contracts.RiskLow,
	}
	rule, trace := m.SelectRule(rules, in)
	assert.Nil(t, rule)
	for _, entry := range trace {
		assert.False(t, entry.Matched, entry.RuleID)
		assert.NotEmpty(t, entry.Note)
	}
}

func TestSelectRule_RuleEnvSpellingsMatchNormalizedInput(t *testing.T) {
	m, err := NewMatcher()
	require.NoError(t, err)

	// Rule envs are normalized at parse time, so a document written with
	// "production" matches requests on the same axis.
	doc, err := Parse([]byte(`{"schema_version": "1.0.0",
		"approval_routing_rules": [
			{"id": "prod-gate", "env": "production", "allowed_reviewer_roles": ["sre"]}]}`))
	require.NoError(t, err)
	require.Equal(t, contracts.EnvProd, doc.ApprovalRoutingRules[0].Environment)

	rule, _ := m.SelectRule(doc.ApprovalRoutingRules, RuleInput{
		Environment: contracts.NormalizeEnvironment("production"),
		Action:      "rds.create_db_instance",
	})
	require.NotNil(t, rule)
	assert.Equal(t, "prod-gate", rule.ID)
}

func TestSelectRule_CELGuard(t *testing.T) {
	m, err := NewMatcher()
	require.NoError(t, err)

	rules := []contracts.RoutingRule{
		{ID: "cel", MatchCEL: `source == "terraform" && monthly_delta > 100.0`,
			AllowedReviewerRoles: []string{"a"}},
	}

	rule, _ := m.SelectRule(rules, RuleInput{
		Source:       contracts.SourceTerraform,
		MonthlyDelta: money.FromDollars(250),
	})
	require.NotNil(t, rule)

	rule, _ = m.SelectRule(rules, RuleInput{
		Source:       contracts.SourceCloudEvent,
		MonthlyDelta: money.FromDollars(250),
	})
	assert.Nil(t, rule)
}

func TestModeFor(t *testing.T) {
	doc, err := Parse([]byte(validPayload))
	require.NoError(t, err)

	mode, scope := ModeFor(doc, contracts.SourceTerraform, "production", nil)
	assert.Equal(t, contracts.ModeHard, mode)
	assert.Equal(t, "terraform_mode_prod", scope)

	mode, scope = ModeFor(doc, contracts.SourceK8sAdmission, "staging", nil)
	assert.Equal(t, contracts.ModeShadow, mode)
	assert.Equal(t, "k8s_admission_mode_nonprod", scope)

	// No document cell for cloud events: fail closed.
	mode, _ = ModeFor(doc, contracts.SourceCloudEvent, "prod", nil)
	assert.Equal(t, contracts.ModeHard, mode)

	// Override beats the document.
	mode, _ = ModeFor(doc, contracts.SourceTerraform, "prod",
		map[string]string{"terraform_mode_prod": "SHADOW"})
	assert.Equal(t, contracts.ModeShadow, mode)

	// Garbage override falls through to the document.
	mode, _ = ModeFor(doc, contracts.SourceTerraform, "prod",
		map[string]string{"terraform_mode_prod": "YOLO"})
	assert.Equal(t, contracts.ModeHard, mode)

	// Missing policy fails closed.
	mode, _ = ModeFor(nil, contracts.SourceTerraform, "prod", nil)
	assert.Equal(t, contracts.ModeHard, mode)
}

func TestFailSafeStatus(t *testing.T) {
	assert.Equal(t, contracts.StatusFailSafeAllow, FailSafeStatus(contracts.ModeShadow))
	assert.Equal(t, contracts.StatusFailSafeRequireApproval, FailSafeStatus(contracts.ModeSoft))
	assert.Equal(t, contracts.StatusFailSafeDeny, FailSafeStatus(contracts.ModeHard))
}

func TestMemoryStore_Versioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Active(ctx, "t-1")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	v1, err := s.Put(ctx, "t-1", []byte(`{"schema_version": "1.0.0"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.PolicyVersion)

	v2, err := s.Put(ctx, "t-1", []byte(`{"schema_version": "1.1.0"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.PolicyVersion)

	active, err := s.Active(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active.PolicyVersion)

	old, err := s.Version(ctx, "t-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", old.SchemaVersion)

	_, err = s.Version(ctx, "t-1", 3)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
