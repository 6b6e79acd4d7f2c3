package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/valdrix/enforcement/pkg/contracts"
)

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id              TEXT        PRIMARY KEY,
    decision_id     TEXT        NOT NULL,
    tenant_id       TEXT        NOT NULL,
    requester_id    TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    routing_rule_id TEXT        NOT NULL,
    routing_trace   JSONB       NOT NULL DEFAULT '[]',
    quorum_required INTEGER     NOT NULL,
    quorum_count    INTEGER     NOT NULL DEFAULT 0,
    reviewer_id     TEXT,
    reviewer_ids    TEXT[]      NOT NULL DEFAULT '{}',
    reviewed_at     TIMESTAMPTZ,
    expires_at      TIMESTAMPTZ NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_pending
    ON approval_requests (expires_at) WHERE status = 'PENDING'`

// PostgresStore implements Store on Postgres. Status transitions are
// single-statement compare-and-swap updates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an approval store over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, approvalSchema); err != nil {
		return fmt.Errorf("approval: init schema: %w", err)
	}
	return nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, req *contracts.ApprovalRequest) error {
	trace, err := json.Marshal(req.RoutingTrace)
	if err != nil {
		return fmt.Errorf("approval: encode trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(id, decision_id, tenant_id, requester_id, status, routing_rule_id, routing_trace,
			 quorum_required, quorum_count, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.DecisionID, req.TenantID, req.RequesterID, string(req.Status),
		req.RoutingRuleID, trace, req.QuorumRequired, req.QuorumCount, req.ExpiresAt, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("approval: insert: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	return s.scan(s.db.QueryRowContext(ctx, selectApproval+` WHERE id = $1`, id))
}

const selectApproval = `
	SELECT id, decision_id, tenant_id, requester_id, status, routing_rule_id, routing_trace,
	       quorum_required, quorum_count, reviewer_id, reviewer_ids, reviewed_at, expires_at, created_at
	FROM approval_requests`

// RecordApproval implements Store. The CAS guards status, expiry, and the
// double-vote case in one statement; quorum promotion happens in the same
// update so two racing final approvers cannot both issue tokens.
func (s *PostgresStore) RecordApproval(ctx context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE approval_requests
		SET quorum_count = quorum_count + 1,
		    reviewer_id = $2,
		    reviewer_ids = array_append(reviewer_ids, $2),
		    reviewed_at = $3,
		    status = CASE WHEN quorum_count + 1 >= quorum_required THEN 'APPROVED' ELSE 'PENDING' END
		WHERE id = $1 AND status = 'PENDING' AND expires_at > $3
		  AND NOT ($2 = ANY(reviewer_ids))
		RETURNING `+approvalColumns(), id, reviewerID, at)

	req, err := s.scan(row)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, s.explainCASMiss(ctx, id, reviewerID, at)
	}
	return req, err
}

// Deny implements Store.
func (s *PostgresStore) Deny(ctx context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE approval_requests
		SET status = 'DENIED', reviewer_id = $2, reviewed_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+approvalColumns(), id, reviewerID, at)

	req, err := s.scan(row)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, s.explainCASMiss(ctx, id, reviewerID, at)
	}
	return req, err
}

// Consume implements Store.
func (s *PostgresStore) Consume(ctx context.Context, id string, _ time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = 'CONSUMED'
		WHERE id = $1 AND status = 'APPROVED'`, id)
	if err != nil {
		return fmt.Errorf("approval: consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approval: consume: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, contracts.ErrNotFound) {
			return contracts.ErrNotFound
		}
		return fmt.Errorf("%w: approval %s", contracts.ErrTokenConsumed, id)
	}
	return nil
}

// ExpireOverdue implements Store.
func (s *PostgresStore) ExpireOverdue(ctx context.Context, at time.Time, limit int) ([]contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE approval_requests SET status = 'EXPIRED'
		WHERE id IN (
			SELECT id FROM approval_requests
			WHERE status = 'PENDING' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+approvalColumns(), at, limit)
	if err != nil {
		return nil, fmt.Errorf("approval: expire: %w", err)
	}
	defer rows.Close()

	var out []contracts.ApprovalRequest
	for rows.Next() {
		req, err := s.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ListWindow implements Store.
func (s *PostgresStore) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectApproval+`
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("approval: list window: %w", err)
	}
	defer rows.Close()

	var out []contracts.ApprovalRequest
	for rows.Next() {
		req, err := s.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, tenantID string) ([]contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectApproval+`
		WHERE tenant_id = $1 AND status = 'PENDING'
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()

	var out []contracts.ApprovalRequest
	for rows.Next() {
		req, err := s.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// PendingCount implements Store.
func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("approval: pending count: %w", err)
	}
	return n, nil
}

// explainCASMiss turns a zero-row CAS update into the precise conflict.
func (s *PostgresStore) explainCASMiss(ctx context.Context, id, reviewerID string, at time.Time) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case req.Status != contracts.ApprovalPending:
		return fmt.Errorf("%w: approval is %s", contracts.ErrConflict, req.Status)
	case !at.Before(req.ExpiresAt):
		return fmt.Errorf("%w: approval expired", contracts.ErrConflict)
	default:
		_ = reviewerID
		return fmt.Errorf("%w: reviewer already approved", contracts.ErrConflict)
	}
}

func approvalColumns() string {
	return `id, decision_id, tenant_id, requester_id, status, routing_rule_id, routing_trace,
	        quorum_required, quorum_count, reviewer_id, reviewer_ids, reviewed_at, expires_at, created_at`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scan(row *sql.Row) (*contracts.ApprovalRequest, error) {
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return req, err
}

func (s *PostgresStore) scanRows(rows *sql.Rows) (*contracts.ApprovalRequest, error) {
	return scanApproval(rows)
}

func scanApproval(row rowScanner) (*contracts.ApprovalRequest, error) {
	var (
		req      contracts.ApprovalRequest
		trace    []byte
		reviewer sql.NullString
		reviewed sql.NullTime
	)
	err := row.Scan(&req.ID, &req.DecisionID, &req.TenantID, &req.RequesterID, &req.Status,
		&req.RoutingRuleID, &trace, &req.QuorumRequired, &req.QuorumCount,
		&reviewer, pq.Array(&req.ReviewerIDs), &reviewed, &req.ExpiresAt, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(trace, &req.RoutingTrace); err != nil {
		return nil, fmt.Errorf("approval: decode trace: %w", err)
	}
	if reviewer.Valid {
		req.ReviewerID = reviewer.String
	}
	if reviewed.Valid {
		t := reviewed.Time
		req.ReviewedAt = &t
	}
	return &req, nil
}

var _ Store = (*PostgresStore)(nil)
