package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

const reservationSchema = `
CREATE TABLE IF NOT EXISTS credit_grants (
    id         TEXT        PRIMARY KEY,
    tenant_id  TEXT        NOT NULL,
    pool_type  TEXT        NOT NULL,
    initial    BIGINT      NOT NULL CHECK (initial >= 0),
    remaining  BIGINT      NOT NULL CHECK (remaining >= 0 AND remaining <= initial),
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_credit_grants_pool
    ON credit_grants (tenant_id, pool_type, expires_at);
CREATE TABLE IF NOT EXISTS reservation_allocations (
    id          TEXT        PRIMARY KEY,
    decision_id TEXT        NOT NULL,
    tenant_id   TEXT        NOT NULL,
    grant_id    TEXT        NOT NULL REFERENCES credit_grants(id),
    pool_type   TEXT        NOT NULL,
    amount      BIGINT      NOT NULL CHECK (amount >= 0),
    settled     BIGINT      NOT NULL DEFAULT 0 CHECK (settled >= 0 AND settled <= amount),
    state       TEXT        NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reservation_allocations_decision
    ON reservation_allocations (decision_id);
CREATE INDEX IF NOT EXISTS idx_reservation_allocations_overdue
    ON reservation_allocations (expires_at) WHERE state = 'reserved'`

// PostgresLedger implements Ledger on Postgres. Every mutation runs in one
// transaction; grant balances are protected by guarded updates plus CHECK
// constraints, so a bug that would break the balance invariant aborts the
// transaction instead of corrupting the pool.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger over an open pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Init creates the backing tables.
func (l *PostgresLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, reservationSchema); err != nil {
		return fmt.Errorf("reservation: init schema: %w", err)
	}
	return nil
}

// CreateGrant implements Ledger.
func (l *PostgresLedger) CreateGrant(ctx context.Context, grant *contracts.CreditGrant) error {
	if grant.Initial.IsNegative() || grant.Remaining.IsNegative() || grant.Remaining > grant.Initial {
		return fmt.Errorf("%w: grant balance out of range", contracts.ErrInvariantViolation)
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credit_grants (id, tenant_id, pool_type, initial, remaining, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		grant.ID, grant.TenantID, string(grant.PoolType),
		int64(grant.Initial), int64(grant.Remaining), grant.ExpiresAt, grant.CreatedAt)
	if err != nil {
		return fmt.Errorf("reservation: create grant: %w", err)
	}
	return nil
}

// Grants implements Ledger.
func (l *PostgresLedger) Grants(ctx context.Context, tenantID string) ([]contracts.CreditGrant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, pool_type, initial, remaining, expires_at, created_at
		FROM credit_grants
		WHERE tenant_id = $1
		ORDER BY expires_at, created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reservation: grants: %w", err)
	}
	defer rows.Close()

	var out []contracts.CreditGrant
	for rows.Next() {
		var g contracts.CreditGrant
		if err := rows.Scan(&g.ID, &g.TenantID, &g.PoolType, &g.Initial, &g.Remaining, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("reservation: grants scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Available implements Ledger.
func (l *PostgresLedger) Available(ctx context.Context, tenantID string, pool contracts.PoolType, at time.Time) (money.USD, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining), 0)
		FROM credit_grants
		WHERE tenant_id = $1 AND pool_type = $2 AND expires_at > $3`,
		tenantID, string(pool), at).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("reservation: available: %w", err)
	}
	return money.USD(total), nil
}

// Reserve implements Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, decisionID, tenantID string, pool contracts.PoolType, amount money.USD, at time.Time) ([]contracts.ReservationAllocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive reservation amount", contracts.ErrInvalidRequest)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	// Lock candidate grants in consumption order; concurrent reservations
	// against the same pool serialize here.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining
		FROM credit_grants
		WHERE tenant_id = $1 AND pool_type = $2 AND expires_at > $3 AND remaining > 0
		ORDER BY expires_at, created_at, id
		FOR UPDATE`,
		tenantID, string(pool), at)
	if err != nil {
		return nil, fmt.Errorf("reservation: lock grants: %w", err)
	}

	type candidate struct {
		id        string
		remaining money.USD
	}
	var candidates []candidate
	var available money.USD
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.remaining); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reservation: scan grant: %w", err)
		}
		candidates = append(candidates, c)
		available += c.remaining
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: iterate grants: %w", err)
	}
	if available < amount {
		return nil, ErrInsufficientCredits
	}

	var out []contracts.ReservationAllocation
	left := amount
	for _, c := range candidates {
		if left == 0 {
			break
		}
		take := money.Min(left, c.remaining)

		res, err := tx.ExecContext(ctx, `
			UPDATE credit_grants SET remaining = remaining - $1
			WHERE id = $2 AND remaining >= $1`,
			int64(take), c.id)
		if err != nil {
			return nil, fmt.Errorf("reservation: debit grant: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("reservation: debit grant: %w", err)
		}
		if n == 0 {
			// Balance moved under the row lock; cannot happen unless the
			// lock was bypassed.
			return nil, fmt.Errorf("%w: grant %s balance changed under lock", contracts.ErrInvariantViolation, c.id)
		}

		alloc := contracts.ReservationAllocation{
			ID:         uuid.NewString(),
			DecisionID: decisionID,
			TenantID:   tenantID,
			GrantID:    c.id,
			PoolType:   pool,
			Amount:     take,
			State:      contracts.AllocationReserved,
			ExpiresAt:  at.Add(reservationTTL),
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_allocations
				(id, decision_id, tenant_id, grant_id, pool_type, amount, state, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			alloc.ID, alloc.DecisionID, alloc.TenantID, alloc.GrantID, string(alloc.PoolType),
			int64(alloc.Amount), string(alloc.State), alloc.ExpiresAt, alloc.CreatedAt, alloc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("reservation: insert allocation: %w", err)
		}
		out = append(out, alloc)
		left -= take
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reservation: commit: %w", err)
	}
	return out, nil
}

// Settle implements Ledger.
func (l *PostgresLedger) Settle(ctx context.Context, decisionID string, actual money.USD, at time.Time) (money.USD, money.USD, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	active, err := lockActiveAllocations(ctx, tx, decisionID)
	if err != nil {
		return 0, 0, err
	}
	if len(active) == 0 {
		return 0, 0, tx.Commit()
	}

	var settled, refunded money.USD
	left := actual
	for _, a := range active {
		use := money.Min(left, a.Amount)
		keep := a.Amount - use
		left -= use

		if keep > 0 {
			if err := creditGrant(ctx, tx, a.GrantID, keep); err != nil {
				return 0, 0, err
			}
			refunded += keep
		}
		settled += use

		state := contracts.AllocationSettled
		if use == 0 {
			state = contracts.AllocationRefunded
		}
		// The reserved amount stays on the row; settled carries the charge.
		if _, err := tx.ExecContext(ctx, `
			UPDATE reservation_allocations
			SET settled = $1, state = $2, updated_at = $3
			WHERE id = $4`,
			int64(use), string(state), at, a.ID); err != nil {
			return 0, 0, fmt.Errorf("reservation: settle allocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("reservation: commit: %w", err)
	}
	return settled, refunded, nil
}

// Refund implements Ledger.
func (l *PostgresLedger) Refund(ctx context.Context, decisionID string, at time.Time) (money.USD, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	active, err := lockActiveAllocations(ctx, tx, decisionID)
	if err != nil {
		return 0, err
	}

	var refunded money.USD
	for _, a := range active {
		if err := creditGrant(ctx, tx, a.GrantID, a.Amount); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE reservation_allocations SET state = $1, updated_at = $2 WHERE id = $3`,
			string(contracts.AllocationRefunded), at, a.ID); err != nil {
			return 0, fmt.Errorf("reservation: refund allocation: %w", err)
		}
		refunded += a.Amount
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reservation: commit: %w", err)
	}
	return refunded, nil
}

// Allocations implements Ledger.
func (l *PostgresLedger) Allocations(ctx context.Context, decisionID string) ([]contracts.ReservationAllocation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, decision_id, tenant_id, grant_id, pool_type, amount, settled, state, expires_at, created_at, updated_at
		FROM reservation_allocations
		WHERE decision_id = $1
		ORDER BY created_at, id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("reservation: allocations: %w", err)
	}
	defer rows.Close()

	var out []contracts.ReservationAllocation
	for rows.Next() {
		var a contracts.ReservationAllocation
		if err := rows.Scan(&a.ID, &a.DecisionID, &a.TenantID, &a.GrantID, &a.PoolType,
			&a.Amount, &a.Settled, &a.State, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("reservation: allocations scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListWindow implements Ledger.
func (l *PostgresLedger) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ReservationAllocation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, decision_id, tenant_id, grant_id, pool_type, amount, settled, state, expires_at, created_at, updated_at
		FROM reservation_allocations
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reservation: list window: %w", err)
	}
	defer rows.Close()

	var out []contracts.ReservationAllocation
	for rows.Next() {
		var a contracts.ReservationAllocation
		if err := rows.Scan(&a.ID, &a.DecisionID, &a.TenantID, &a.GrantID, &a.PoolType,
			&a.Amount, &a.Settled, &a.State, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("reservation: list window scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SweepOverdue implements Ledger. SKIP LOCKED lets concurrent sweep workers
// partition the overdue set without blocking each other.
func (l *PostgresLedger) SweepOverdue(ctx context.Context, at time.Time, limit int) ([]contracts.ReservationAllocation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, decision_id, tenant_id, grant_id, pool_type, amount, expires_at, created_at
		FROM reservation_allocations
		WHERE state = 'reserved' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, at, limit)
	if err != nil {
		return nil, fmt.Errorf("reservation: sweep select: %w", err)
	}

	var batch []contracts.ReservationAllocation
	for rows.Next() {
		var a contracts.ReservationAllocation
		if err := rows.Scan(&a.ID, &a.DecisionID, &a.TenantID, &a.GrantID, &a.PoolType,
			&a.Amount, &a.ExpiresAt, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("reservation: sweep scan: %w", err)
		}
		batch = append(batch, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation: sweep iterate: %w", err)
	}

	for i := range batch {
		if err := creditGrant(ctx, tx, batch[i].GrantID, batch[i].Amount); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE reservation_allocations SET state = $1, updated_at = $2 WHERE id = $3`,
			string(contracts.AllocationRefunded), at, batch[i].ID); err != nil {
			return nil, fmt.Errorf("reservation: sweep update: %w", err)
		}
		batch[i].State = contracts.AllocationRefunded
		batch[i].UpdatedAt = at
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reservation: commit: %w", err)
	}
	return batch, nil
}

func lockActiveAllocations(ctx context.Context, tx *sql.Tx, decisionID string) ([]contracts.ReservationAllocation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, grant_id, amount
		FROM reservation_allocations
		WHERE decision_id = $1 AND state = 'reserved'
		ORDER BY created_at, id
		FOR UPDATE`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("reservation: lock allocations: %w", err)
	}
	defer rows.Close()

	var out []contracts.ReservationAllocation
	for rows.Next() {
		var a contracts.ReservationAllocation
		if err := rows.Scan(&a.ID, &a.GrantID, &a.Amount); err != nil {
			return nil, fmt.Errorf("reservation: lock scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// creditGrant returns amount to a grant, guarding the remaining <= initial
// invariant.
func creditGrant(ctx context.Context, tx *sql.Tx, grantID string, amount money.USD) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_grants SET remaining = remaining + $1
		WHERE id = $2 AND remaining + $1 <= initial`,
		int64(amount), grantID)
	if err != nil {
		return fmt.Errorf("reservation: credit grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reservation: credit grant: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: refund would exceed grant %s initial balance", contracts.ErrInvariantViolation, grantID)
	}
	return nil
}

var _ Ledger = (*PostgresLedger)(nil)
var _ Ledger = (*MemoryLedger)(nil)
