package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/money"
	"github.com/valdrix/enforcement/pkg/tiers"
)

func TestGet(t *testing.T) {
	growth := tiers.Get(tiers.TierGrowth)
	require.NotNil(t, growth)
	assert.Equal(t, money.FromDollars(5_000), growth.Limits.PlanMonthlyCeiling)

	assert.Nil(t, tiers.Get("PLATINUM"))
	assert.False(t, tiers.Known("PLATINUM"))
}

func TestCeilingsAscendByTier(t *testing.T) {
	order := []tiers.TierID{tiers.TierFree, tiers.TierStarter, tiers.TierGrowth, tiers.TierPro, tiers.TierEnterprise}
	var prev money.USD
	for _, id := range order {
		tier := tiers.Get(id)
		require.NotNil(t, tier, id)
		assert.Greater(t, int64(tier.Limits.PlanMonthlyCeiling), int64(prev), id)
		prev = tier.Limits.PlanMonthlyCeiling
	}
}

func TestHasFeature(t *testing.T) {
	assert.True(t, tiers.Enterprise.HasFeature("exports")) // via "all"
	assert.True(t, tiers.Growth.HasFeature("exports"))
	assert.False(t, tiers.Free.HasFeature("exports"))
}
