package tenants_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/tenants"
	"github.com/valdrix/enforcement/pkg/tiers"
)

type countingDirectory struct {
	tenants.StaticDirectory
	calls int
}

func (d *countingDirectory) TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error) {
	d.calls++
	return d.StaticDirectory.TenantTier(ctx, tenantID)
}

func TestResolver_CachesWithinTTL(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: tenants.StaticDirectory{"t-1": tiers.TierGrowth}}
	r := tenants.NewResolver(dir)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tier, err := r.TenantTier(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, tiers.TierGrowth, tier)
	}
	assert.Equal(t, 1, dir.calls)
}

func TestResolver_TTLExpiry(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: tenants.StaticDirectory{"t-1": tiers.TierPro}}
	now := time.Now()
	r := tenants.NewResolver(dir).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := r.TenantTier(ctx, "t-1")
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = r.TenantTier(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.calls)
}

func TestResolver_UnknownTenantDefaultsToFree(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: tenants.StaticDirectory{}}
	r := tenants.NewResolver(dir)

	var warned []string
	r.OnUnknownTenant(func(id string) { warned = append(warned, id) })

	tier, err := r.TenantTier(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, tiers.TierFree, tier)
	assert.Equal(t, []string{"ghost"}, warned)
}

func TestResolver_ClearTenant(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: tenants.StaticDirectory{"t-1": tiers.TierStarter}}
	r := tenants.NewResolver(dir)
	ctx := context.Background()

	_, err := r.TenantTier(ctx, "t-1")
	require.NoError(t, err)

	// Simulate plan sync: STARTER → PRO.
	dir.StaticDirectory["t-1"] = tiers.TierPro
	r.ClearTenant("t-1")

	tier, err := r.TenantTier(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, tiers.TierPro, tier)
	assert.Equal(t, 2, dir.calls)
}

func TestResolver_BoundedLRU(t *testing.T) {
	dir := &countingDirectory{StaticDirectory: tenants.StaticDirectory{}}
	r := tenants.NewResolver(dir)
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		_, err := r.TenantTier(ctx, fmt.Sprintf("tenant-%d", i))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, r.Len(), 4096)
}
