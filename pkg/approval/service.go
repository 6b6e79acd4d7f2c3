package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/decisionledger"
)

// DefaultRequestTTL is how long a pending approval waits for reviewers
// before the expiry worker closes it.
const DefaultRequestTTL = 24 * time.Hour

// Service drives the approval lifecycle. Every transition is mirrored into
// the decision ledger.
type Service struct {
	store     Store
	tokens    *TokenService
	decisions decisionledger.Store
	logger    *slog.Logger
	clock     func() time.Time
	ttl       time.Duration
}

// NewService wires the approval workflow.
func NewService(store Store, tokens *TokenService, decisions decisionledger.Store) *Service {
	return &Service{
		store:     store,
		tokens:    tokens,
		decisions: decisions,
		logger:    slog.Default().With("component", "approval"),
		clock:     time.Now,
		ttl:       DefaultRequestTTL,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create opens an approval request for a REQUIRE_APPROVAL decision, links
// it to the decision, and appends the ledger row. rule may be nil when the
// approval was forced by SOFT mode rather than a routing match; the quorum
// is then 1.
func (s *Service) Create(ctx context.Context, d *contracts.Decision, rule *contracts.RoutingRule, trace []contracts.RoutingTraceEntry) (*contracts.ApprovalRequest, error) {
	now := s.clock().UTC()
	req := &contracts.ApprovalRequest{
		ID:             uuid.NewString(),
		DecisionID:     d.ID,
		TenantID:       d.TenantID,
		RequesterID:    d.RequesterID,
		Status:         contracts.ApprovalPending,
		RoutingTrace:   trace,
		QuorumRequired: 1,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}
	if rule != nil {
		req.RoutingRuleID = rule.ID
		req.QuorumRequired = rule.Quorum
	}

	if err := s.store.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	if err := s.decisions.LinkApproval(ctx, d.ID, req.ID); err != nil {
		return nil, fmt.Errorf("approval: link decision: %w", err)
	}
	d.ApprovalRequestID = req.ID
	if err := s.appendLedger(ctx, d, decisionledger.TransitionApprovalRequested, now); err != nil {
		return nil, err
	}

	s.logger.Info("approval request created",
		"approval_id", req.ID, "decision_id", d.ID, "tenant_id", d.TenantID,
		"routing_rule_id", req.RoutingRuleID, "quorum_required", req.QuorumRequired)
	return req, nil
}

// Approve records one reviewer's approval. When the quorum is reached the
// request flips to APPROVED and a one-time token bound to the decision is
// returned; until then the token is empty.
func (s *Service) Approve(ctx context.Context, approvalID string, reviewer contracts.Reviewer, rule *contracts.RoutingRule, separation contracts.SeparationPolicy) (*contracts.ApprovalRequest, string, error) {
	req, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, "", err
	}
	d, err := s.decisions.GetDecision(ctx, req.DecisionID)
	if err != nil {
		return nil, "", fmt.Errorf("approval: load decision: %w", err)
	}

	if err := s.checkReviewer(reviewer, req, d, rule, separation); err != nil {
		return nil, "", err
	}

	now := s.clock().UTC()
	req, err = s.store.RecordApproval(ctx, approvalID, reviewer.ID, now)
	if err != nil {
		return nil, "", err
	}
	if req.Status != contracts.ApprovalApproved {
		s.logger.Info("approval vote recorded",
			"approval_id", req.ID, "quorum_count", req.QuorumCount, "quorum_required", req.QuorumRequired)
		return req, "", nil
	}

	token, err := s.tokens.Issue(contracts.ApprovalTokenClaims{
		TenantID:    d.TenantID,
		ProjectID:   d.ProjectID,
		Environment: contracts.NormalizeEnvironment(d.Environment),
		Source:      d.Source,
		DecisionID:  d.ID,
		ApprovalID:  req.ID,
		Fingerprint: d.RequestFingerprint,
		MaxMonthly:  d.EstimatedMonthly,
		MaxHourly:   d.EstimatedHourly,
	}, req.ExpiresAt)
	if err != nil {
		return nil, "", err
	}
	if err := s.appendLedger(ctx, d, decisionledger.TransitionApproved, now); err != nil {
		return nil, "", err
	}

	s.logger.Info("approval granted", "approval_id", req.ID, "decision_id", d.ID, "reviewer_id", reviewer.ID)
	return req, token, nil
}

// Deny closes the request without a token.
func (s *Service) Deny(ctx context.Context, approvalID string, reviewer contracts.Reviewer, rule *contracts.RoutingRule, separation contracts.SeparationPolicy) (*contracts.ApprovalRequest, error) {
	req, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	d, err := s.decisions.GetDecision(ctx, req.DecisionID)
	if err != nil {
		return nil, fmt.Errorf("approval: load decision: %w", err)
	}
	if err := s.checkReviewer(reviewer, req, d, rule, separation); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	req, err = s.store.Deny(ctx, approvalID, reviewer.ID, now)
	if err != nil {
		return nil, err
	}
	if err := s.appendLedger(ctx, d, decisionledger.TransitionDenied, now); err != nil {
		return nil, err
	}
	s.logger.Info("approval denied", "approval_id", req.ID, "decision_id", d.ID, "reviewer_id", reviewer.ID)
	return req, nil
}

// Consume verifies a presented token, checks its bindings against the
// admitting request, and burns the approval. Exactly one consume succeeds
// per approval.
func (s *Service) Consume(ctx context.Context, rawToken string, in *contracts.GateInput) (*contracts.ApprovalTokenClaims, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return nil, err
	}
	if err := CheckBinding(claims, in, claims.DecisionID); err != nil {
		return nil, err
	}
	if err := s.store.Consume(ctx, claims.ApprovalID, s.clock().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("approval token consumed", "approval_id", claims.ApprovalID, "decision_id", claims.DecisionID)
	return claims, nil
}

// ConsumeForDecision verifies a presented token against the decision it
// names and burns the approval. expectedProjectID optionally pins the
// consume to one project.
func (s *Service) ConsumeForDecision(ctx context.Context, rawToken, expectedProjectID string) (*contracts.ApprovalTokenClaims, error) {
	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		return nil, err
	}
	if expectedProjectID != "" && claims.ProjectID != expectedProjectID {
		return nil, fmt.Errorf("%w: project", contracts.ErrTokenBindingMismatch)
	}
	d, err := s.decisions.GetDecision(ctx, claims.DecisionID)
	if err != nil {
		return nil, fmt.Errorf("approval: load decision: %w", err)
	}
	in := &contracts.GateInput{
		TenantID:           d.TenantID,
		Source:             d.Source,
		Action:             d.Action,
		ProjectID:          d.ProjectID,
		Environment:        d.Environment,
		RequestFingerprint: d.RequestFingerprint,
		EstimatedMonthly:   d.EstimatedMonthly,
		EstimatedHourly:    d.EstimatedHourly,
	}
	if err := CheckBinding(claims, in, d.ID); err != nil {
		return nil, err
	}
	if err := s.store.Consume(ctx, claims.ApprovalID, s.clock().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("approval token consumed", "approval_id", claims.ApprovalID, "decision_id", claims.DecisionID)
	return claims, nil
}

// ExpireOverdue closes pending requests past their deadline and mirrors
// each into the ledger. The expired requests are returned so the caller can
// release their reservation holds.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) ([]contracts.ApprovalRequest, error) {
	now := s.clock().UTC()
	expired, err := s.store.ExpireOverdue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, req := range expired {
		d, err := s.decisions.GetDecision(ctx, req.DecisionID)
		if err != nil {
			s.logger.Error("expired approval has no decision", "approval_id", req.ID, "error", err)
			continue
		}
		if err := s.appendLedger(ctx, d, decisionledger.TransitionExpired, now); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// Backlog reports the pending queue depth for the backlog gauge.
func (s *Service) Backlog(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

func (s *Service) checkReviewer(reviewer contracts.Reviewer, req *contracts.ApprovalRequest, d *contracts.Decision, rule *contracts.RoutingRule, separation contracts.SeparationPolicy) error {
	if rule != nil && len(rule.AllowedReviewerRoles) > 0 && !reviewer.HasRole(rule.AllowedReviewerRoles) {
		return fmt.Errorf("%w: reviewer lacks a permitted role", contracts.ErrInvalidRequest)
	}

	env := contracts.NormalizeEnvironment(d.Environment)
	if perm := "remediation.approve." + env; !reviewer.HasPermission(perm) {
		return fmt.Errorf("%w: reviewer lacks %s", contracts.ErrInvalidRequest, perm)
	}

	enforceSeparation := (env == contracts.EnvProd && separation.Prod) ||
		(env == contracts.EnvNonProd && separation.NonProd)
	if enforceSeparation && reviewer.ID == req.RequesterID {
		return fmt.Errorf("%w: requester cannot review their own request", contracts.ErrInvalidRequest)
	}
	return nil
}

func (s *Service) appendLedger(ctx context.Context, d *contracts.Decision, transition string, at time.Time) error {
	entry, err := decisionledger.Snapshot(d, transition, at)
	if err != nil {
		return err
	}
	if err := s.decisions.Append(ctx, entry); err != nil {
		return fmt.Errorf("approval: ledger append: %w", err)
	}
	return nil
}
