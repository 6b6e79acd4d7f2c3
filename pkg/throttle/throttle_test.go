package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func newLocal(t *testing.T, limits Limits) (*LocalLimiter, *time.Time) {
	t.Helper()
	clock := now
	l := NewLocalLimiter(limits).WithClock(func() time.Time { return clock })
	return l, &clock
}

func TestLocalTenantBucket(t *testing.T) {
	// 60/min, burst 6.
	l, clock := newLocal(t, Limits{TenantPerMinute: 60, GlobalPerMinute: 6000})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		v, err := l.Allow(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, v.Allowed, "burst call %d", i)
	}

	v, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ScopeTenant, v.Scope)
	assert.Greater(t, v.RetryAfter, time.Duration(0))

	// One token refills per second at 60/min.
	*clock = now.Add(time.Second)
	v, err = l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestLocalTenantsIsolated(t *testing.T) {
	l, _ := newLocal(t, Limits{TenantPerMinute: 10, GlobalPerMinute: 6000})
	ctx := context.Background()

	v, err := l.Allow(ctx, "noisy")
	require.NoError(t, err)
	require.True(t, v.Allowed)

	v, err = l.Allow(ctx, "noisy")
	require.NoError(t, err)
	require.False(t, v.Allowed)

	v, err = l.Allow(ctx, "quiet")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestLocalGlobalBucket(t *testing.T) {
	// Generous tenant caps, tiny shared cap: 10/min, burst 1.
	l, _ := newLocal(t, Limits{TenantPerMinute: 6000, GlobalPerMinute: 10})
	ctx := context.Background()

	v, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	require.True(t, v.Allowed)

	v, err = l.Allow(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ScopeGlobal, v.Scope)
}

func TestLocalEviction(t *testing.T) {
	l, clock := newLocal(t, Limits{TenantPerMinute: 10, GlobalPerMinute: 6000})
	l.maxTenants = 2
	ctx := context.Background()

	_, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	*clock = now.Add(time.Millisecond)
	_, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	*clock = now.Add(2 * time.Millisecond)
	_, err = l.Allow(ctx, "c")
	require.NoError(t, err)

	assert.Len(t, l.tenants, 2)
	assert.NotContains(t, l.tenants, "a")
	assert.Contains(t, l.tenants, "c")
}

func TestZeroCapUnlimited(t *testing.T) {
	l, _ := newLocal(t, Limits{})
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		v, err := l.Allow(ctx, "t1")
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
}

// Requires a local Redis; skipped when unavailable.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}
	t.Cleanup(func() { client.Close() })

	clock := now
	l := NewRedisLimiter(client, Limits{TenantPerMinute: 10, GlobalPerMinute: 6000}).
		WithClock(func() time.Time { return clock })
	l.prefix = "enforcement:throttle:test:" + t.Name()

	// Burst of 1 at 10/min.
	v, err := l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	v, err = l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ScopeTenant, v.Scope)
	assert.Greater(t, v.RetryAfter, time.Duration(0))

	clock = now.Add(10 * time.Second)
	v, err = l.Allow(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}
