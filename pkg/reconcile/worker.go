package reconcile

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/decisionledger"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Minute

// DefaultSweepBatch bounds how many rows one sweep pass claims.
const DefaultSweepBatch = 200

// Worker runs the periodic sweep: refund overdue reservation holds and
// expire overdue approvals, releasing their holds. Multiple workers may run
// concurrently; row claiming keeps them off each other's rows.
type Worker struct {
	reconciler *Reconciler
	approvals  approvalExpirer
	interval   time.Duration
	batch      int
	logger     *slog.Logger
	clock      func() time.Time
}

// NewWorker creates a sweep worker.
func NewWorker(reconciler *Reconciler, approvals approvalExpirer, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Worker{
		reconciler: reconciler,
		approvals:  approvals,
		interval:   interval,
		batch:      DefaultSweepBatch,
		logger:     slog.Default().With("component", "reconcile_worker"),
		clock:      time.Now,
	}
}

// Run loops until the context is cancelled. Each pass is jittered so a fleet
// of workers does not sweep in lockstep.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("sweep worker started", "interval", w.interval)
	for {
		jitter := time.Duration(rand.Int64N(int64(w.interval / 10)))
		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopped")
			return
		case <-time.After(w.interval + jitter):
		}
		if swept, expired, err := w.Sweep(ctx); err != nil {
			w.logger.Error("sweep pass failed", "error", err)
		} else if swept > 0 || expired > 0 {
			w.logger.Info("sweep pass", "reservations_refunded", swept, "approvals_expired", expired)
		}
	}
}

// Sweep runs one pass and reports how many reservations were refunded and
// how many approvals expired.
func (w *Worker) Sweep(ctx context.Context) (swept, expired int, err error) {
	now := w.clock().UTC()

	refunded, err := w.reconciler.credits.SweepOverdue(ctx, now, w.batch)
	if err != nil {
		return 0, 0, err
	}
	swept = len(refunded)
	if swept > 0 {
		w.reconciler.metrics.RecordReconciliation(TriggerAuto, "swept")
	}

	// One ledger row per decision whose holds were refunded, so the audit
	// trail shows the auto release the same way a manual reconcile would.
	for _, decisionID := range sweptDecisions(refunded) {
		if err := w.recordSweep(ctx, decisionID, now); err != nil {
			w.logger.Error("ledger append after sweep failed",
				"decision_id", decisionID, "error", err)
		}
	}

	overdue, err := w.approvals.ExpireOverdue(ctx, w.batch)
	if err != nil {
		return swept, 0, err
	}
	for _, req := range overdue {
		if _, err := w.reconciler.Release(ctx, req.DecisionID); err != nil {
			w.logger.Error("release after approval expiry failed",
				"decision_id", req.DecisionID, "approval_id", req.ID, "error", err)
		}
	}
	return swept, len(overdue), nil
}

// sweptDecisions collapses refunded allocations to their decision IDs,
// preserving sweep order.
func sweptDecisions(allocs []contracts.ReservationAllocation) []string {
	seen := make(map[string]struct{}, len(allocs))
	var out []string
	for _, a := range allocs {
		if _, ok := seen[a.DecisionID]; ok {
			continue
		}
		seen[a.DecisionID] = struct{}{}
		out = append(out, a.DecisionID)
	}
	return out
}

func (w *Worker) recordSweep(ctx context.Context, decisionID string, now time.Time) error {
	d, err := w.reconciler.decisions.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	entry, err := decisionledger.Snapshot(d, decisionledger.TransitionReconciled, now)
	if err != nil {
		return err
	}
	return w.reconciler.decisions.Append(ctx, entry)
}
