package contracts

import (
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

// ContextVersion identifies the computed-context ruleset. Bumped on any
// formula change so exported lineage digests distinguish rulesets.
const ContextVersion = 3

// DataSourceMode describes how much cost history backed a computed context.
type DataSourceMode string

const (
	DataSourceNone        DataSourceMode = "none"
	DataSourcePartial     DataSourceMode = "partial"
	DataSourceAll         DataSourceMode = "all_status"
	DataSourceUnavailable DataSourceMode = "unavailable"
)

// AnomalyKind classifies the latest-day spend against recent history.
type AnomalyKind string

const (
	AnomalyNone  AnomalyKind = "none"
	AnomalySpike AnomalyKind = "spike"
	AnomalyDrop  AnomalyKind = "drop"
)

// Anomaly compares the latest cost day against a trimmed mean of the
// preceding seven days.
type Anomaly struct {
	Kind     AnomalyKind `json:"kind"`
	DeltaUSD money.USD   `json:"delta_usd"`
	Percent  float64     `json:"percent"`
}

// RiskClass buckets the continuous risk score.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// ComputedContext is the deterministic spend snapshot embedded in every
// decision and ledger row.
type ComputedContext struct {
	ContextVersion   int            `json:"context_version"`
	GeneratedAt      time.Time      `json:"generated_at"`
	MonthStart       time.Time      `json:"month_start"`
	MonthEnd         time.Time      `json:"month_end"`
	MonthElapsedDays int            `json:"month_elapsed_days"`
	MonthTotalDays   int            `json:"month_total_days"`
	MTDSpend         money.USD      `json:"mtd_spend_usd"`
	BurnRateDaily    money.USD      `json:"burn_rate_daily_usd"`
	ForecastEOM      money.USD      `json:"forecast_eom_usd"`
	Anomaly          Anomaly        `json:"anomaly"`
	RiskClass        RiskClass      `json:"risk_class"`
	RiskScore        float64        `json:"risk_score"`
	DataSourceMode   DataSourceMode `json:"data_source_mode"`
}
