// Package throttle rate-limits the gate surface: a token bucket per tenant
// plus one global bucket shared across tenants. Single-instance deployments
// use the in-process limiter; fleets share buckets through Redis.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope identifies which bucket rejected a request.
const (
	ScopeTenant = "tenant"
	ScopeGlobal = "global"
)

// DefaultMaxTenants bounds the in-process per-tenant bucket map.
const DefaultMaxTenants = 10_000

// Verdict is the limiter outcome for one gate call.
type Verdict struct {
	Allowed    bool
	Scope      string
	RetryAfter time.Duration
}

// Limiter gates a single request for a tenant.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (*Verdict, error)
}

// Limits holds the per-minute caps.
type Limits struct {
	TenantPerMinute int
	GlobalPerMinute int
}

func (l Limits) tenantLimit() rate.Limit { return perMinute(l.TenantPerMinute) }
func (l Limits) globalLimit() rate.Limit { return perMinute(l.GlobalPerMinute) }

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}

// burst is a tenth of the per-minute cap, at least one token.
func burst(n int) int {
	b := n / 10
	if b < 1 {
		b = 1
	}
	return b
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps buckets in process memory. The tenant map is bounded:
// when it grows past maxTenants the least recently seen bucket is evicted,
// which at worst re-grants an idle tenant a full burst.
type LocalLimiter struct {
	limits     Limits
	maxTenants int
	clock      func() time.Time

	mu      sync.Mutex
	global  *rate.Limiter
	tenants map[string]*tenantBucket
}

// NewLocalLimiter builds an in-process limiter for the given caps.
func NewLocalLimiter(limits Limits) *LocalLimiter {
	return &LocalLimiter{
		limits:     limits,
		maxTenants: DefaultMaxTenants,
		clock:      time.Now,
		global:     rate.NewLimiter(limits.globalLimit(), burst(limits.GlobalPerMinute)),
		tenants:    make(map[string]*tenantBucket),
	}
}

// WithClock overrides the time source for tests.
func (l *LocalLimiter) WithClock(clock func() time.Time) *LocalLimiter {
	l.clock = clock
	return l
}

// Allow consumes one token from the tenant bucket and one from the global
// bucket. The tenant bucket is checked first so a single saturated tenant
// burns its own budget before touching the shared one.
func (l *LocalLimiter) Allow(_ context.Context, tenantID string) (*Verdict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if v := take(l.tenant(tenantID, now), now, ScopeTenant); !v.Allowed {
		return v, nil
	}
	if v := take(l.global, now, ScopeGlobal); !v.Allowed {
		return v, nil
	}
	return &Verdict{Allowed: true}, nil
}

func take(limiter *rate.Limiter, now time.Time, scope string) *Verdict {
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return &Verdict{Scope: scope, RetryAfter: time.Minute}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &Verdict{Scope: scope, RetryAfter: delay}
	}
	return &Verdict{Allowed: true}
}

func (l *LocalLimiter) tenant(tenantID string, now time.Time) *rate.Limiter {
	b, ok := l.tenants[tenantID]
	if !ok {
		if len(l.tenants) >= l.maxTenants {
			l.evictOldest()
		}
		b = &tenantBucket{limiter: rate.NewLimiter(l.limits.tenantLimit(), burst(l.limits.TenantPerMinute))}
		l.tenants[tenantID] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *LocalLimiter) evictOldest() {
	var oldest string
	var oldestSeen time.Time
	for id, b := range l.tenants {
		if oldest == "" || b.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = id, b.lastSeen
		}
	}
	delete(l.tenants, oldest)
}

var _ Limiter = (*LocalLimiter)(nil)
