package costctx

import (
	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

// Risk thresholds. The classification is monotonic in each input signal:
// raising the forecast ratio, anomaly percent, or requested-delta ratio can
// only raise (never lower) the class.
//
//	critical: forecast >= 100% of ceiling OR anomaly >= 100%
//	high:     forecast >=  90% of ceiling OR anomaly >=  50%
//	medium:   forecast >=  70% of ceiling OR anomaly >=  25%
//	          OR requested delta > 3x daily burn rate
//	low:      otherwise
const (
	forecastCriticalRatio = 1.00
	forecastHighRatio     = 0.90
	forecastMediumRatio   = 0.70

	anomalyCriticalPct = 100.0
	anomalyHighPct     = 50.0
	anomalyMediumPct   = 25.0

	deltaBurnMediumRatio = 3.0
)

// ApplyRisk derives the risk class and score on an already-built context
// using the tenant's plan ceiling and the requested monthly delta. Split
// from Build because the ceiling comes from the policy document, which the
// engine fetches separately.
func ApplyRisk(cc *contracts.ComputedContext, planCeiling, requestedMonthly money.USD) {
	var forecastRatio, deltaRatio float64
	if planCeiling > 0 {
		forecastRatio = float64(cc.ForecastEOM) / float64(planCeiling)
	}
	if cc.BurnRateDaily > 0 {
		deltaRatio = float64(requestedMonthly) / float64(cc.BurnRateDaily)
	}
	anomalyPct := cc.Anomaly.Percent

	switch {
	case forecastRatio >= forecastCriticalRatio || anomalyPct >= anomalyCriticalPct:
		cc.RiskClass = contracts.RiskCritical
	case forecastRatio >= forecastHighRatio || anomalyPct >= anomalyHighPct:
		cc.RiskClass = contracts.RiskHigh
	case forecastRatio >= forecastMediumRatio || anomalyPct >= anomalyMediumPct ||
		deltaRatio > deltaBurnMediumRatio:
		cc.RiskClass = contracts.RiskMedium
	default:
		cc.RiskClass = contracts.RiskLow
	}

	cc.RiskScore = clamp01(max3(
		forecastRatio,
		anomalyPct/anomalyCriticalPct,
		deltaRatio/(deltaBurnMediumRatio*2),
	))
}

// RiskAtLeast reports whether class meets or exceeds the threshold class.
func RiskAtLeast(class, threshold contracts.RiskClass) bool {
	return riskRank(class) >= riskRank(threshold)
}

func riskRank(class contracts.RiskClass) int {
	switch class {
	case contracts.RiskCritical:
		return 3
	case contracts.RiskHigh:
		return 2
	case contracts.RiskMedium:
		return 1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
