package costctx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/costctx"
	"github.com/valdrix/enforcement/pkg/money"
)

type fakeReader struct {
	costs []costctx.DailyCost
	err   error
}

func (f *fakeReader) DailyCosts(_ context.Context, _ string, from, to time.Time) ([]costctx.DailyCost, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []costctx.DailyCost
	for _, c := range f.costs {
		if !c.Day.Before(from) && !c.Day.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBuild_NoHistory(t *testing.T) {
	b := costctx.NewBuilder(&fakeReader{})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))

	assert.Equal(t, contracts.DataSourceNone, cc.DataSourceMode)
	assert.True(t, cc.MTDSpend.IsZero())
	assert.True(t, cc.ForecastEOM.IsZero())
	assert.Equal(t, contracts.AnomalyNone, cc.Anomaly.Kind)
	assert.Equal(t, 15, cc.MonthElapsedDays)
	assert.Equal(t, 31, cc.MonthTotalDays)
	assert.Equal(t, contracts.ContextVersion, cc.ContextVersion)
}

func TestBuild_ReaderUnavailable(t *testing.T) {
	b := costctx.NewBuilder(&fakeReader{err: errors.New("boom")})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, contracts.DataSourceUnavailable, cc.DataSourceMode)
	assert.True(t, cc.MTDSpend.IsZero())
}

func TestBuild_BurnRateAndForecast(t *testing.T) {
	// 10 days of $100/day in a 31-day month, evaluated on day 10.
	var costs []costctx.DailyCost
	for d := 1; d <= 10; d++ {
		costs = append(costs, costctx.DailyCost{Day: day(2026, 8, d), Amount: money.FromDollars(100)})
	}
	b := costctx.NewBuilder(&fakeReader{costs: costs})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 10, 23, 0, 0, 0, time.UTC))

	assert.Equal(t, money.FromDollars(1000), cc.MTDSpend)
	assert.Equal(t, money.FromDollars(100), cc.BurnRateDaily)
	// forecast = 1000 + 100 * (31 - 10)
	assert.Equal(t, money.FromDollars(3100), cc.ForecastEOM)
	assert.Equal(t, contracts.DataSourceAll, cc.DataSourceMode)
}

func TestBuild_PartialHistory(t *testing.T) {
	costs := []costctx.DailyCost{
		{Day: day(2026, 8, 3), Amount: money.FromDollars(60)},
		{Day: day(2026, 8, 7), Amount: money.FromDollars(60)},
	}
	b := costctx.NewBuilder(&fakeReader{costs: costs})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, contracts.DataSourcePartial, cc.DataSourceMode)
	// burn rate divides by observed days (2), not elapsed days.
	assert.Equal(t, money.FromDollars(60), cc.BurnRateDaily)
}

func TestBuild_AnomalySpike(t *testing.T) {
	// Seven flat days at $100, latest day at $250.
	var costs []costctx.DailyCost
	for d := 1; d <= 7; d++ {
		costs = append(costs, costctx.DailyCost{Day: day(2026, 8, d), Amount: money.FromDollars(100)})
	}
	costs = append(costs, costctx.DailyCost{Day: day(2026, 8, 8), Amount: money.FromDollars(250)})

	b := costctx.NewBuilder(&fakeReader{costs: costs})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 8, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, contracts.AnomalySpike, cc.Anomaly.Kind)
	assert.Equal(t, money.FromDollars(150), cc.Anomaly.DeltaUSD)
	assert.InDelta(t, 150.0, cc.Anomaly.Percent, 0.01)
}

func TestBuild_AnomalyTrimsOutliers(t *testing.T) {
	// Window [100, 100, 100, 1000, 10, 100, 100]: trimmed mean drops the
	// 1000 and the 10, leaving a $100 mean. Latest day $100 → no anomaly.
	amounts := []int64{100, 100, 100, 1000, 10, 100, 100}
	var costs []costctx.DailyCost
	for i, a := range amounts {
		costs = append(costs, costctx.DailyCost{Day: day(2026, 8, i+1), Amount: money.FromDollars(a)})
	}
	costs = append(costs, costctx.DailyCost{Day: day(2026, 8, 8), Amount: money.FromDollars(100)})

	b := costctx.NewBuilder(&fakeReader{costs: costs})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 8, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, contracts.AnomalyNone, cc.Anomaly.Kind)
	assert.Zero(t, cc.Anomaly.Percent)
}

func TestBuild_AnomalyDrop(t *testing.T) {
	var costs []costctx.DailyCost
	for d := 1; d <= 7; d++ {
		costs = append(costs, costctx.DailyCost{Day: day(2026, 8, d), Amount: money.FromDollars(100)})
	}
	costs = append(costs, costctx.DailyCost{Day: day(2026, 8, 8), Amount: money.FromDollars(40)})

	b := costctx.NewBuilder(&fakeReader{costs: costs})
	cc := b.Build(context.Background(), "t-1", time.Date(2026, 8, 8, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, contracts.AnomalyDrop, cc.Anomaly.Kind)
	assert.Equal(t, money.FromDollars(-60), cc.Anomaly.DeltaUSD)
}

func TestBuild_Deterministic(t *testing.T) {
	var costs []costctx.DailyCost
	for d := 1; d <= 12; d++ {
		costs = append(costs, costctx.DailyCost{Day: day(2026, 8, d), Amount: money.FromDollars(int64(d * 7))})
	}
	b := costctx.NewBuilder(&fakeReader{costs: costs})
	at := time.Date(2026, 8, 12, 9, 30, 0, 0, time.UTC)

	first := b.Build(context.Background(), "t-1", at)
	second := b.Build(context.Background(), "t-1", at)
	assert.Equal(t, first, second)
}

func TestApplyRisk(t *testing.T) {
	cases := []struct {
		name     string
		forecast money.USD
		ceiling  money.USD
		anomaly  float64
		want     contracts.RiskClass
	}{
		{"low", money.FromDollars(100), money.FromDollars(1000), 0, contracts.RiskLow},
		{"medium by forecast", money.FromDollars(750), money.FromDollars(1000), 0, contracts.RiskMedium},
		{"high by forecast", money.FromDollars(920), money.FromDollars(1000), 0, contracts.RiskHigh},
		{"high by anomaly", money.FromDollars(100), money.FromDollars(1000), 55, contracts.RiskHigh},
		{"critical by forecast", money.FromDollars(1000), money.FromDollars(1000), 0, contracts.RiskCritical},
		{"critical by anomaly", money.FromDollars(100), money.FromDollars(1000), 120, contracts.RiskCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cc := contracts.ComputedContext{ForecastEOM: tc.forecast}
			cc.Anomaly.Percent = tc.anomaly
			costctx.ApplyRisk(&cc, tc.ceiling, money.FromDollars(10))
			assert.Equal(t, tc.want, cc.RiskClass)
			assert.GreaterOrEqual(t, cc.RiskScore, 0.0)
			assert.LessOrEqual(t, cc.RiskScore, 1.0)
		})
	}
}

func TestRiskAtLeast(t *testing.T) {
	assert.True(t, costctx.RiskAtLeast(contracts.RiskCritical, contracts.RiskHigh))
	assert.True(t, costctx.RiskAtLeast(contracts.RiskHigh, contracts.RiskHigh))
	assert.False(t, costctx.RiskAtLeast(contracts.RiskMedium, contracts.RiskHigh))
}
