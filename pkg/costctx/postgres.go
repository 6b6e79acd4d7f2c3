package costctx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/valdrix/enforcement/pkg/money"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS daily_costs (
    tenant_id  TEXT        NOT NULL,
    day        DATE        NOT NULL,
    amount     BIGINT      NOT NULL CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, day)
)`

// PostgresReader implements HistoryReader over the ingested daily_costs
// table.
type PostgresReader struct {
	db *sql.DB
}

// NewPostgresReader creates a reader over an open pool.
func NewPostgresReader(db *sql.DB) *PostgresReader {
	return &PostgresReader{db: db}
}

// Init creates the backing table.
func (r *PostgresReader) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("costctx: init schema: %w", err)
	}
	return nil
}

// DailyCosts implements HistoryReader.
func (r *PostgresReader) DailyCosts(ctx context.Context, tenantID string, from, to time.Time) ([]DailyCost, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT day, amount
		FROM daily_costs
		WHERE tenant_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day`, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("costctx: daily costs: %w", err)
	}
	defer rows.Close()

	var out []DailyCost
	for rows.Next() {
		var c DailyCost
		if err := rows.Scan(&c.Day, &c.Amount); err != nil {
			return nil, fmt.Errorf("costctx: daily costs scan: %w", err)
		}
		c.Day = c.Day.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Record upserts one day's total for a tenant. Ingestion replays are safe;
// the latest write wins.
func (r *PostgresReader) Record(ctx context.Context, tenantID string, day time.Time, amount money.USD) error {
	if amount.IsNegative() {
		return fmt.Errorf("costctx: negative daily cost")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_costs (tenant_id, day, amount, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET amount = EXCLUDED.amount, updated_at = now()`,
		tenantID, day.UTC().Truncate(24*time.Hour), int64(amount))
	if err != nil {
		return fmt.Errorf("costctx: record daily cost: %w", err)
	}
	return nil
}

var _ HistoryReader = (*PostgresReader)(nil)
