package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/costctx"
	"github.com/valdrix/enforcement/pkg/money"
)

// RuleInput is the request facet routing rules match against.
type RuleInput struct {
	Environment  string
	Action       string
	Source       contracts.Source
	ProjectID    string
	MonthlyDelta money.USD
	Risk         contracts.RiskClass
}

// Matcher evaluates routing rules, including their optional CEL guard.
// Programs are compiled once and cached per expression.
type Matcher struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewMatcher builds the CEL environment for routing-rule guards. The
// variable set is the fixed request facet; anything else is a compile error
// surfaced at policy put time.
func NewMatcher() (*Matcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("env", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("project", cel.StringType),
		cel.Variable("monthly_delta", cel.DoubleType),
		cel.Variable("risk_level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &Matcher{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles an expression without evaluating it.
func (m *Matcher) Check(expr string) error {
	_, err := m.program(expr)
	return err
}

func (m *Matcher) program(expr string) (cel.Program, error) {
	m.mu.RLock()
	prg, hit := m.cache[expr]
	m.mu.RUnlock()
	if hit {
		return prg, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prg, hit = m.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("match_cel compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("match_cel must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := m.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("match_cel program: %w", err)
	}
	m.cache[expr] = prg
	return prg, nil
}

func (m *Matcher) eval(expr string, in RuleInput) (bool, error) {
	prg, err := m.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"env":           in.Environment,
		"action":        in.Action,
		"source":        string(in.Source),
		"project":       in.ProjectID,
		"monthly_delta": float64(in.MonthlyDelta) / float64(money.MicrosPerDollar),
		"risk_level":    string(in.Risk),
	})
	if err != nil {
		return false, fmt.Errorf("match_cel eval: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("match_cel result is not bool")
	}
	return v, nil
}

// SelectRule returns the first matching routing rule in ascending
// (priority, configuration position) order, plus the full trace of rules
// considered. Equal priorities keep configuration order. A nil rule with a
// complete trace means no rule matched.
func (m *Matcher) SelectRule(rules []contracts.RoutingRule, in RuleInput) (*contracts.RoutingRule, []contracts.RoutingTraceEntry) {
	order := make([]int, len(rules))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rules[order[a]].Priority < rules[order[b]].Priority
	})

	trace := make([]contracts.RoutingTraceEntry, 0, len(rules))
	var selected *contracts.RoutingRule
	for _, idx := range order {
		rule := &rules[idx]
		matched, note := m.ruleMatches(rule, in)
		trace = append(trace, contracts.RoutingTraceEntry{RuleID: rule.ID, Matched: matched, Note: note})
		if matched && selected == nil {
			selected = rule
		}
	}
	return selected, trace
}

func (m *Matcher) ruleMatches(rule *contracts.RoutingRule, in RuleInput) (bool, string) {
	if rule.Environment != "" && rule.Environment != in.Environment {
		return false, "env mismatch"
	}
	if rule.ActionPrefix != "" && !strings.HasPrefix(in.Action, rule.ActionPrefix) {
		return false, "action prefix mismatch"
	}
	if in.MonthlyDelta < rule.MonthlyDeltaThreshold {
		return false, "below monthly delta threshold"
	}
	if rule.RiskLevel != "" && !costctx.RiskAtLeast(in.Risk, rule.RiskLevel) {
		return false, "below risk level"
	}
	if rule.MatchCEL != "" {
		ok, err := m.eval(rule.MatchCEL, in)
		if err != nil {
			// Compile was checked at put time; a runtime error still must
			// not select the rule.
			return false, err.Error()
		}
		if !ok {
			return false, "match_cel false"
		}
	}
	return true, ""
}
