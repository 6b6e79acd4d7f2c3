// Package reconcile settles or refunds a decision's credit reservations
// against actual spend, releases project budget charges, and runs the
// periodic sweep that expires stale holds and overdue approvals.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/budgets"
	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/decisionledger"
	"github.com/valdrix/enforcement/pkg/money"
	"github.com/valdrix/enforcement/pkg/reservation"
)

// Triggers recorded on reconcile outcomes and metrics.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Metrics is the observation hook for reconciliation counts.
type Metrics interface {
	RecordReconciliation(trigger, status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordReconciliation(string, string) {}

// Receipt is the persisted outcome of one reconciliation, keyed by decision.
// It makes manual reconcile idempotent: a replay with the same key and
// payload returns the stored outcome, anything else conflicts.
type Receipt struct {
	DecisionID     string                     `json:"decision_id"`
	IdempotencyKey string                     `json:"idempotency_key"`
	PayloadSHA256  string                     `json:"payload_sha256"`
	Outcome        contracts.ReconcileOutcome `json:"outcome"`
	ProcessedAt    time.Time                  `json:"processed_at"`
}

// ReceiptStore persists reconcile receipts. One receipt per decision.
type ReceiptStore interface {
	Get(ctx context.Context, decisionID string) (*Receipt, error)
	Put(ctx context.Context, r *Receipt) error
}

// Reconciler drives settlement.
type Reconciler struct {
	credits   reservation.Ledger
	decisions decisionledger.Store
	budgets   budgets.Store
	receipts  ReceiptStore
	logger    *slog.Logger
	metrics   Metrics
	clock     func() time.Time
}

// New creates a reconciler.
func New(credits reservation.Ledger, decisions decisionledger.Store, budgetStore budgets.Store, receipts ReceiptStore) *Reconciler {
	return &Reconciler{
		credits:   credits,
		decisions: decisions,
		budgets:   budgetStore,
		receipts:  receipts,
		logger:    slog.Default().With("component", "reconcile"),
		metrics:   nopMetrics{},
		clock:     time.Now,
	}
}

// WithMetrics attaches the metrics hook.
func (r *Reconciler) WithMetrics(m Metrics) *Reconciler {
	r.metrics = m
	return r
}

// WithClock overrides the clock for testing.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// payloadHash fingerprints the reconcile request body for replay detection.
func payloadHash(decisionID string, actual money.USD) (string, error) {
	canonical, err := canonicalize.Canonical(map[string]any{
		"decision_id": decisionID,
		"actual_usd":  actual,
	})
	if err != nil {
		return "", fmt.Errorf("reconcile: payload hash: %w", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// Reconcile settles the decision's reservations against the actual amount,
// refunds the remainder, releases the project budget charge, and appends the
// ledger row. Replaying with the same idempotency key and payload returns
// the stored outcome; a key or payload mismatch conflicts.
func (r *Reconciler) Reconcile(ctx context.Context, decisionID string, actual money.USD, idempotencyKey, trigger string) (*contracts.ReconcileOutcome, error) {
	if actual.IsNegative() {
		return nil, fmt.Errorf("%w: negative actual amount", contracts.ErrInvalidRequest)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", contracts.ErrInvalidRequest)
	}
	hash, err := payloadHash(decisionID, actual)
	if err != nil {
		return nil, err
	}

	if prior, err := r.receipts.Get(ctx, decisionID); err == nil {
		if prior.IdempotencyKey == idempotencyKey && prior.PayloadSHA256 == hash {
			out := prior.Outcome
			out.Replayed = true
			r.metrics.RecordReconciliation(trigger, "replayed")
			return &out, nil
		}
		r.metrics.RecordReconciliation(trigger, "conflict")
		return nil, fmt.Errorf("%w: decision %s already reconciled under a different request", contracts.ErrConflict, decisionID)
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return nil, err
	}

	d, err := r.decisions.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	settled, refunded, err := r.credits.Settle(ctx, decisionID, actual, now)
	if err != nil {
		r.metrics.RecordReconciliation(trigger, "error")
		return nil, err
	}

	if err := r.releaseBudget(ctx, d, actual); err != nil {
		return nil, err
	}

	entry, err := decisionledger.Snapshot(d, decisionledger.TransitionReconciled, now)
	if err != nil {
		return nil, err
	}
	if err := r.decisions.Append(ctx, entry); err != nil {
		return nil, err
	}

	out := contracts.ReconcileOutcome{
		DecisionID:     decisionID,
		IdempotencyKey: idempotencyKey,
		SettledUSD:     settled,
		RefundedUSD:    refunded,
		Trigger:        trigger,
		ProcessedAt:    now,
	}
	if err := r.receipts.Put(ctx, &Receipt{
		DecisionID:     decisionID,
		IdempotencyKey: idempotencyKey,
		PayloadSHA256:  hash,
		Outcome:        out,
		ProcessedAt:    now,
	}); err != nil {
		return nil, err
	}

	r.metrics.RecordReconciliation(trigger, "ok")
	r.logger.Info("decision reconciled",
		"decision_id", decisionID, "trigger", trigger,
		"settled_usd", settled.String(), "refunded_usd", refunded.String())
	return &out, nil
}

// Release refunds every active reservation of the decision and appends the
// ledger row. Used when an approval is denied or expires.
func (r *Reconciler) Release(ctx context.Context, decisionID string) (money.USD, error) {
	d, err := r.decisions.GetDecision(ctx, decisionID)
	if err != nil {
		return 0, err
	}
	now := r.clock().UTC()
	refunded, err := r.credits.Refund(ctx, decisionID, now)
	if err != nil {
		return 0, err
	}
	if refunded > 0 {
		entry, err := decisionledger.Snapshot(d, decisionledger.TransitionReconciled, now)
		if err != nil {
			return 0, err
		}
		if err := r.decisions.Append(ctx, entry); err != nil {
			return 0, err
		}
	}
	return refunded, nil
}

// releaseBudget trues the project usage counter up or down from the charge
// the gate took at decision time. Only allowed decisions charged usage, and
// only when the project has a configured cap.
func (r *Reconciler) releaseBudget(ctx context.Context, d *contracts.Decision, actual money.USD) error {
	if d.Status != contracts.StatusAllow && d.Status != contracts.StatusAllowWithCredits {
		return nil
	}
	monthKey := budgets.MonthKey(d.CreatedAt)
	if _, err := r.budgets.Get(ctx, d.TenantID, d.ProjectID, monthKey); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return nil
		}
		return err
	}
	delta := actual - d.EstimatedMonthly
	if delta == 0 {
		return nil
	}
	return r.budgets.Charge(ctx, d.TenantID, d.ProjectID, monthKey, delta)
}

// MemoryReceipts is the in-memory ReceiptStore used in tests.
type MemoryReceipts struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
}

// NewMemoryReceipts creates an empty receipt store.
func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{receipts: make(map[string]*Receipt)}
}

// Get implements ReceiptStore.
func (s *MemoryReceipts) Get(_ context.Context, decisionID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[decisionID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Put implements ReceiptStore.
func (s *MemoryReceipts) Put(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.DecisionID]; exists {
		return contracts.ErrConflict
	}
	cp := *r
	s.receipts[r.DecisionID] = &cp
	return nil
}

var _ ReceiptStore = (*MemoryReceipts)(nil)

// approvalExpirer is the slice of the approval service the sweep needs.
type approvalExpirer interface {
	ExpireOverdue(ctx context.Context, limit int) ([]contracts.ApprovalRequest, error)
}

var _ approvalExpirer = (*approval.Service)(nil)
