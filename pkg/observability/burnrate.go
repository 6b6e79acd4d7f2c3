package observability

import (
	"sync"
	"time"
)

// SLOBudget is the tolerated failure fraction for the 99.9% gate objective.
const SLOBudget = 0.001

// Window is one burn-rate observation window.
type Window struct {
	Name string
	Span time.Duration
}

// Windows are the four spans the alert policy reads.
var Windows = []Window{
	{Name: "5m", Span: 5 * time.Minute},
	{Name: "30m", Span: 30 * time.Minute},
	{Name: "1h", Span: time.Hour},
	{Name: "6h", Span: 6 * time.Hour},
}

// AlertLevel classifies the current burn.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertWarning:
		return "warning"
	case AlertCritical:
		return "critical"
	default:
		return "none"
	}
}

// Multi-window thresholds: the fast pair pages, the slow pair warns.
const (
	fastBurnThreshold = 14.4
	slowBurnThreshold = 6.0
)

// minuteBucket aggregates one minute of outcomes.
type minuteBucket struct {
	minute int64
	total  int64
	bad    int64
}

// BurnTracker keeps per-minute outcome counts over the longest window and
// answers burn ratios for any shorter one. A ratio of 1.0 means the error
// budget is being spent exactly as fast as it accrues.
type BurnTracker struct {
	mu      sync.Mutex
	buckets []minuteBucket
	clock   func() time.Time
}

// NewBurnTracker sizes the ring for the longest configured window.
func NewBurnTracker() *BurnTracker {
	longest := Windows[len(Windows)-1].Span
	return &BurnTracker{
		buckets: make([]minuteBucket, int(longest/time.Minute)),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (b *BurnTracker) WithClock(clock func() time.Time) *BurnTracker {
	b.clock = clock
	return b
}

// Record adds one gate outcome.
func (b *BurnTracker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	minute := b.clock().Unix() / 60
	slot := &b.buckets[minute%int64(len(b.buckets))]
	if slot.minute != minute {
		*slot = minuteBucket{minute: minute}
	}
	slot.total++
	if !ok {
		slot.bad++
	}
}

// Ratio reports the burn ratio for the window: the observed failure rate
// divided by the SLO budget. An empty window burns nothing.
func (b *BurnTracker) Ratio(w Window) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	minute := b.clock().Unix() / 60
	oldest := minute - int64(w.Span/time.Minute) + 1

	var total, bad int64
	for i := range b.buckets {
		if b.buckets[i].minute >= oldest && b.buckets[i].minute <= minute {
			total += b.buckets[i].total
			bad += b.buckets[i].bad
		}
	}
	if total == 0 {
		return 0
	}
	return float64(bad) / float64(total) / SLOBudget
}

// Evaluate applies the multi-window policy: fast burn (1h and 5m both past
// 14.4x) is critical, slow burn (6h and 30m both past 6x) is a warning.
func (b *BurnTracker) Evaluate() AlertLevel {
	if b.Ratio(Windows[2]) >= fastBurnThreshold && b.Ratio(Windows[0]) >= fastBurnThreshold {
		return AlertCritical
	}
	if b.Ratio(Windows[3]) >= slowBurnThreshold && b.Ratio(Windows[1]) >= slowBurnThreshold {
		return AlertWarning
	}
	return AlertNone
}
