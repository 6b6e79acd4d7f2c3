// Package costctx builds the deterministic spend snapshot (computed context)
// embedded in every enforcement decision. It consumes precomputed daily cost
// totals from the external cost-history reader; it never touches raw
// telemetry.
package costctx

import (
	"context"
	"sort"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// DailyCost is one day's precomputed spend total for a tenant.
type DailyCost struct {
	Day    time.Time `json:"day"` // UTC midnight
	Amount money.USD `json:"amount_usd"`
}

// HistoryReader is the external cost-history boundary.
type HistoryReader interface {
	// DailyCosts returns daily totals within [from, to], any order.
	DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]DailyCost, error)
}

// Builder computes the snapshot for a (tenant, decision_time) pair.
type Builder struct {
	reader HistoryReader
}

// NewBuilder creates a context builder over the given history reader.
func NewBuilder(reader HistoryReader) *Builder {
	return &Builder{reader: reader}
}

// anomalyLookback is how many preceding days feed the trimmed mean.
const anomalyLookback = 7

// Build computes the deterministic context. A reader failure yields zeros
// with DataSourceUnavailable rather than an error: the decision engine
// records the degraded snapshot and lets the fail-safe mode decide.
func (b *Builder) Build(ctx context.Context, tenantID string, at time.Time) contracts.ComputedContext {
	at = at.UTC()
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0).Add(-time.Nanosecond)
	totalDays := monthStart.AddDate(0, 1, -1).Day()
	elapsedDays := at.Day()

	cc := contracts.ComputedContext{
		ContextVersion:   contracts.ContextVersion,
		GeneratedAt:      at,
		MonthStart:       monthStart,
		MonthEnd:         monthEnd,
		MonthElapsedDays: elapsedDays,
		MonthTotalDays:   totalDays,
		Anomaly:          contracts.Anomaly{Kind: contracts.AnomalyNone},
		RiskClass:        contracts.RiskLow,
		DataSourceMode:   contracts.DataSourceNone,
	}

	// The anomaly window may cross the month boundary, so read a little
	// further back than month start.
	from := monthStart.AddDate(0, 0, -(anomalyLookback + 1))
	history, err := b.reader.DailyCosts(ctx, tenantID, from, at)
	if err != nil {
		cc.DataSourceMode = contracts.DataSourceUnavailable
		return cc
	}
	if len(history) == 0 {
		return cc
	}

	sort.Slice(history, func(i, j int) bool { return history[i].Day.Before(history[j].Day) })

	var mtd money.USD
	observedDays := 0
	for _, d := range history {
		if d.Day.Before(monthStart) || d.Day.After(at) {
			continue
		}
		mtd += d.Amount
		observedDays++
	}

	switch {
	case observedDays == 0:
		cc.DataSourceMode = contracts.DataSourceNone
	case observedDays >= elapsedDays:
		cc.DataSourceMode = contracts.DataSourceAll
	default:
		cc.DataSourceMode = contracts.DataSourcePartial
	}

	denom := observedDays
	if denom < 1 {
		denom = 1
	}
	burn := money.USD(int64(mtd) / int64(denom))
	cc.MTDSpend = mtd
	cc.BurnRateDaily = burn
	cc.ForecastEOM = mtd + money.USD(int64(burn)*int64(totalDays-elapsedDays))
	cc.Anomaly = detectAnomaly(history)
	return cc
}

// detectAnomaly compares the latest day against a trimmed mean of the up-to-7
// preceding days. With three or more preceding observations the single min
// and max are dropped before averaging. Equal to the mean → none.
func detectAnomaly(history []DailyCost) contracts.Anomaly {
	none := contracts.Anomaly{Kind: contracts.AnomalyNone}
	if len(history) < 2 {
		return none
	}

	latest := history[len(history)-1]
	start := len(history) - 1 - anomalyLookback
	if start < 0 {
		start = 0
	}
	window := history[start : len(history)-1]
	if len(window) == 0 {
		return none
	}

	amounts := make([]int64, 0, len(window))
	for _, d := range window {
		amounts = append(amounts, int64(d.Amount))
	}
	mean := trimmedMean(amounts)
	delta := int64(latest.Amount) - mean

	a := contracts.Anomaly{DeltaUSD: money.USD(delta)}
	switch {
	case delta > 0:
		a.Kind = contracts.AnomalySpike
	case delta < 0:
		a.Kind = contracts.AnomalyDrop
	default:
		return none
	}
	if mean > 0 {
		pct := float64(delta) / float64(mean) * 100
		if pct < 0 {
			pct = -pct
		}
		a.Percent = pct
	} else if delta > 0 {
		// Spend appearing from a zero baseline is a full spike.
		a.Percent = 100
	}
	return a
}

func trimmedMean(amounts []int64) int64 {
	if len(amounts) == 0 {
		return 0
	}
	if len(amounts) < 3 {
		var sum int64
		for _, v := range amounts {
			sum += v
		}
		return sum / int64(len(amounts))
	}

	minI, maxI := 0, 0
	for i, v := range amounts {
		if v < amounts[minI] {
			minI = i
		}
		if v > amounts[maxI] {
			maxI = i
		}
	}
	if minI == maxI {
		// All values equal.
		return amounts[0]
	}
	var sum int64
	count := int64(0)
	for i, v := range amounts {
		if i == minI || i == maxI {
			continue
		}
		sum += v
		count++
	}
	return sum / count
}
