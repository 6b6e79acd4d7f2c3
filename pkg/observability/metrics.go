package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// BacklogFunc reports the current pending approval count.
type BacklogFunc func(ctx context.Context) (int, error)

// GateMetrics is the control plane's metric set. It satisfies the engine and
// reconciler metric hooks and additionally tracks throttle rejections, the
// approval backlog, and the error-budget burn windows.
type GateMetrics struct {
	decisions       metric.Int64Counter
	latency         metric.Float64Histogram
	lockEvents      metric.Int64Counter
	reconciliations metric.Int64Counter
	throttled       metric.Int64Counter

	burn *BurnTracker
}

// NewGateMetrics registers the instruments on the meter. The backlog
// function is polled on each metric collection; a nil one skips the gauge.
func NewGateMetrics(meter metric.Meter, backlog BacklogFunc) (*GateMetrics, error) {
	m := &GateMetrics{burn: NewBurnTracker()}

	var err error
	if m.decisions, err = meter.Int64Counter("gate_decisions_total",
		metric.WithDescription("Gate decisions by source, status, and reason"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, fmt.Errorf("observability: gate_decisions_total: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("gate_latency_seconds",
		metric.WithDescription("End-to-end gate evaluation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5)); err != nil {
		return nil, fmt.Errorf("observability: gate_latency_seconds: %w", err)
	}
	if m.lockEvents, err = meter.Int64Counter("gate_lock_events_total",
		metric.WithDescription("Per-cell advisory lock outcomes"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("observability: gate_lock_events_total: %w", err)
	}
	if m.reconciliations, err = meter.Int64Counter("reservation_reconciliations_total",
		metric.WithDescription("Reservation reconciliations by trigger and status"),
		metric.WithUnit("{reconciliation}")); err != nil {
		return nil, fmt.Errorf("observability: reservation_reconciliations_total: %w", err)
	}
	if m.throttled, err = meter.Int64Counter("gate_throttled_total",
		metric.WithDescription("Gate requests rejected by the rate limiter"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("observability: gate_throttled_total: %w", err)
	}

	if backlog != nil {
		gauge, err := meter.Int64ObservableGauge("approval_queue_backlog",
			metric.WithDescription("Pending approval requests"),
			metric.WithUnit("{request}"))
		if err != nil {
			return nil, fmt.Errorf("observability: approval_queue_backlog: %w", err)
		}
		_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			n, err := backlog(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, int64(n))
			return nil
		}, gauge)
		if err != nil {
			return nil, fmt.Errorf("observability: backlog callback: %w", err)
		}
	}

	if err := m.registerBurnGauges(meter); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *GateMetrics) registerBurnGauges(meter metric.Meter) error {
	gauges := make(map[Window]metric.Float64ObservableGauge, len(Windows))
	instruments := make([]metric.Observable, 0, len(Windows))
	for _, w := range Windows {
		g, err := meter.Float64ObservableGauge("error_budget_burn_ratio_"+w.Name,
			metric.WithDescription("Error budget burn ratio over "+w.Name),
			metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("observability: burn gauge %s: %w", w.Name, err)
		}
		gauges[w] = g
		instruments = append(instruments, g)
	}
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for w, g := range gauges {
			o.ObserveFloat64(g, m.burn.Ratio(w))
		}
		return nil
	}, instruments...)
	if err != nil {
		return fmt.Errorf("observability: burn callback: %w", err)
	}
	return nil
}

// RecordDecision counts one gate outcome. Fail-safe statuses burn the error
// budget; everything else counts as served.
func (m *GateMetrics) RecordDecision(source contracts.Source, status contracts.Status, reason string) {
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	))
	m.burn.Record(!strings.HasPrefix(string(status), "FAIL_SAFE"))
}

// ObserveGateLatency records one gate round trip.
func (m *GateMetrics) ObserveGateLatency(d time.Duration) {
	m.latency.Record(context.Background(), d.Seconds())
}

// RecordLockEvent counts a lock acquisition outcome.
func (m *GateMetrics) RecordLockEvent(outcome string) {
	m.lockEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordReconciliation counts a reconciliation by trigger and status.
func (m *GateMetrics) RecordReconciliation(trigger, status string) {
	m.reconciliations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	))
}

// RecordThrottled counts a rate-limited gate request.
func (m *GateMetrics) RecordThrottled(scope string) {
	m.throttled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

// Burn exposes the burn tracker for alert evaluation.
func (m *GateMetrics) Burn() *BurnTracker { return m.burn }
