package actions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
)

const actionSchema = `
CREATE TABLE IF NOT EXISTS action_executions (
    id               TEXT        PRIMARY KEY,
    decision_id      TEXT        NOT NULL,
    approval_id      TEXT,
    tenant_id        TEXT        NOT NULL,
    state            TEXT        NOT NULL,
    attempts         INTEGER     NOT NULL DEFAULT 0,
    lease_owner      TEXT,
    lease_expires_at TIMESTAMPTZ,
    next_attempt_at  TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_executions_due
    ON action_executions (next_attempt_at) WHERE state IN ('QUEUED', 'RUNNING')`

// PostgresQueue implements Queue on Postgres. Claims use SKIP LOCKED so a
// worker fleet never contends on the same row.
type PostgresQueue struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresQueue creates a queue over an open pool.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (q *PostgresQueue) WithClock(clock func() time.Time) *PostgresQueue {
	q.clock = clock
	return q
}

// Init creates the backing table.
func (q *PostgresQueue) Init(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, actionSchema); err != nil {
		return fmt.Errorf("actions: init schema: %w", err)
	}
	return nil
}

// Enqueue implements Queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, exec *contracts.ActionExecution) error {
	now := q.clock().UTC()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.State = contracts.ActionQueued
	if exec.NextAttemptAt.IsZero() {
		exec.NextAttemptAt = now
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO action_executions
			(id, decision_id, approval_id, tenant_id, state, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.DecisionID, nullable(exec.ApprovalID), exec.TenantID,
		string(exec.State), exec.Attempts, exec.NextAttemptAt, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("actions: enqueue: %w", err)
	}
	return nil
}

// ClaimNext implements Queue. One statement claims the oldest due row: a
// QUEUED row past its next attempt, or a RUNNING row whose lease lapsed.
func (q *PostgresQueue) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*contracts.ActionExecution, error) {
	now := q.clock().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE action_executions
		SET state = 'RUNNING',
		    attempts = attempts + 1,
		    lease_owner = $1,
		    lease_expires_at = $2,
		    updated_at = $3
		WHERE id = (
			SELECT id FROM action_executions
			WHERE (state = 'QUEUED' AND next_attempt_at <= $3)
			   OR (state = 'RUNNING' AND lease_expires_at <= $3)
			ORDER BY next_attempt_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+actionColumns,
		owner, now.Add(leaseTTL), now)

	exec, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return exec, err
}

// Complete implements Queue.
func (q *PostgresQueue) Complete(ctx context.Context, id, owner string) error {
	return q.finish(ctx, id, owner, `
		UPDATE action_executions
		SET state = 'SUCCEEDED', lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND state = 'RUNNING' AND lease_owner = $2`)
}

// Fail implements Queue.
func (q *PostgresQueue) Fail(ctx context.Context, id, owner string, backoff time.Duration, maxAttempts int) error {
	now := q.clock().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE action_executions
		SET state = CASE WHEN attempts >= $4 THEN 'FAILED' ELSE 'QUEUED' END,
		    next_attempt_at = $3 + make_interval(secs => $5 * attempts),
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND state = 'RUNNING' AND lease_owner = $2`,
		id, owner, now, maxAttempts, backoff.Seconds())
	if err != nil {
		return fmt.Errorf("actions: fail: %w", err)
	}
	return q.casOutcome(ctx, res, id, owner)
}

// Cancel implements Queue.
func (q *PostgresQueue) Cancel(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE action_executions SET state = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND state = 'QUEUED'`, id, q.clock().UTC())
	if err != nil {
		return fmt.Errorf("actions: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("actions: cancel: %w", err)
	}
	if n == 0 {
		exec, getErr := q.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: execution is %s", contracts.ErrConflict, exec.State)
	}
	return nil
}

// Get implements Queue.
func (q *PostgresQueue) Get(ctx context.Context, id string) (*contracts.ActionExecution, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM action_executions WHERE id = $1`, id)
	exec, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return exec, err
}

// Pending implements Queue.
func (q *PostgresQueue) Pending(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM action_executions
		WHERE tenant_id = $1 AND state IN ('QUEUED', 'RUNNING')`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("actions: pending: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) finish(ctx context.Context, id, owner, stmt string) error {
	res, err := q.db.ExecContext(ctx, stmt, id, owner, q.clock().UTC())
	if err != nil {
		return fmt.Errorf("actions: finish: %w", err)
	}
	return q.casOutcome(ctx, res, id, owner)
}

func (q *PostgresQueue) casOutcome(ctx context.Context, res sql.Result, id, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("actions: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := q.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: lease not held by %s", contracts.ErrConflict, owner)
	}
	return nil
}

const actionColumns = `id, decision_id, approval_id, tenant_id, state, attempts,
	lease_owner, lease_expires_at, next_attempt_at, created_at, updated_at`

func scanAction(row *sql.Row) (*contracts.ActionExecution, error) {
	var (
		exec     contracts.ActionExecution
		approval sql.NullString
		owner    sql.NullString
		lease    sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.DecisionID, &approval, &exec.TenantID, &exec.State,
		&exec.Attempts, &owner, &lease, &exec.NextAttemptAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if approval.Valid {
		exec.ApprovalID = approval.String
	}
	if owner.Valid {
		exec.LeaseOwner = owner.String
	}
	if lease.Valid {
		t := lease.Time
		exec.LeaseExpiresAt = &t
	}
	return &exec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Queue = (*PostgresQueue)(nil)
