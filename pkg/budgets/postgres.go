package budgets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

const budgetsSchema = `
CREATE TABLE IF NOT EXISTS project_allocations (
    tenant_id   TEXT        NOT NULL,
    project_id  TEXT        NOT NULL,
    monthly_cap BIGINT      NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, project_id)
);
CREATE TABLE IF NOT EXISTS project_usage (
    tenant_id  TEXT        NOT NULL,
    project_id TEXT        NOT NULL,
    month_key  TEXT        NOT NULL,
    used       BIGINT      NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, project_id, month_key)
)`

// PostgresStore implements Store on Postgres. Caps and monthly usage live in
// separate tables so configuring a cap never clobbers a usage counter.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an allocation store over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the backing tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, budgetsSchema); err != nil {
		return fmt.Errorf("budgets: init schema: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, projectID, monthKey string) (*Allocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.monthly_cap, COALESCE(u.used, 0), a.updated_at
		FROM project_allocations a
		LEFT JOIN project_usage u
		  ON u.tenant_id = a.tenant_id AND u.project_id = a.project_id AND u.month_key = $3
		WHERE a.tenant_id = $1 AND a.project_id = $2`,
		tenantID, projectID, monthKey)

	alloc := Allocation{TenantID: tenantID, ProjectID: projectID, MonthKey: monthKey}
	err := row.Scan(&alloc.MonthlyCap, &alloc.Used, &alloc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("budgets: get allocation: %w", err)
	}
	return &alloc, nil
}

// SetCap implements Store.
func (s *PostgresStore) SetCap(ctx context.Context, tenantID, projectID string, cap money.USD) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_allocations (tenant_id, project_id, monthly_cap, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, project_id) DO UPDATE SET
			monthly_cap = EXCLUDED.monthly_cap,
			updated_at = now()`,
		tenantID, projectID, int64(cap))
	if err != nil {
		return fmt.Errorf("budgets: set cap: %w", err)
	}
	return nil
}

// Charge implements Store.
func (s *PostgresStore) Charge(ctx context.Context, tenantID, projectID, monthKey string, amount money.USD) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_usage (tenant_id, project_id, month_key, used, updated_at)
		VALUES ($1, $2, $3, GREATEST($4, 0), now())
		ON CONFLICT (tenant_id, project_id, month_key) DO UPDATE SET
			used = GREATEST(project_usage.used + $4, 0),
			updated_at = now()`,
		tenantID, projectID, monthKey, int64(amount))
	if err != nil {
		return fmt.Errorf("budgets: charge: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, tenantID, monthKey string) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.project_id, a.monthly_cap, COALESCE(u.used, 0), a.updated_at
		FROM project_allocations a
		LEFT JOIN project_usage u
		  ON u.tenant_id = a.tenant_id AND u.project_id = a.project_id AND u.month_key = $2
		WHERE a.tenant_id = $1
		ORDER BY a.project_id`,
		tenantID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("budgets: list: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		alloc := Allocation{TenantID: tenantID, MonthKey: monthKey}
		if err := rows.Scan(&alloc.ProjectID, &alloc.MonthlyCap, &alloc.Used, &alloc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("budgets: list scan: %w", err)
		}
		out = append(out, alloc)
	}
	return out, rows.Err()
}
