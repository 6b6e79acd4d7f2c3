package decisionledger

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

const decisionSchema = `
CREATE TABLE IF NOT EXISTS decisions (
    id              TEXT        PRIMARY KEY,
    tenant_id       TEXT        NOT NULL,
    source          TEXT        NOT NULL,
    idempotency_key TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    approval_request_id TEXT,
    payload         JSONB       NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    UNIQUE (tenant_id, source, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_decisions_tenant_created
    ON decisions (tenant_id, created_at);
CREATE TABLE IF NOT EXISTS ledger_entries (
    id              TEXT        PRIMARY KEY,
    decision_id     TEXT        NOT NULL,
    tenant_id       TEXT        NOT NULL,
    transition      TEXT        NOT NULL,
    snapshot        JSONB       NOT NULL,
    snapshot_sha256 TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_tenant_created
    ON ledger_entries (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_decision
    ON ledger_entries (decision_id);
CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS trg_ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER trg_ledger_entries_append_only
    BEFORE UPDATE OR DELETE ON ledger_entries
    FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only()`

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore implements Store on Postgres. The full decision is stored
// as JSONB alongside the scalar columns used for lookups; the ledger table
// additionally carries a BEFORE UPDATE OR DELETE trigger so append-only
// holds even against raw SQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a decision store over an open pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the backing tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, decisionSchema); err != nil {
		return fmt.Errorf("decisionledger: init schema: %w", err)
	}
	return nil
}

// InsertDecision implements Store.
func (s *PostgresStore) InsertDecision(ctx context.Context, d *contracts.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("decisionledger: encode decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, tenant_id, source, idempotency_key, status, approval_request_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		d.ID, d.TenantID, string(d.Source), d.IdempotencyKey, string(d.Status),
		d.ApprovalRequestID, payload, d.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: decision already stored for idempotency key %q",
				contracts.ErrConflict, d.IdempotencyKey)
		}
		return fmt.Errorf("decisionledger: insert decision: %w", err)
	}
	return nil
}

// GetDecision implements Store.
func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM decisions WHERE id = $1`, id)
	return scanDecision(row)
}

// GetByIdempotency implements Store.
func (s *PostgresStore) GetByIdempotency(ctx context.Context, tenantID string, source contracts.Source, key string) (*contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM decisions
		WHERE tenant_id = $1 AND source = $2 AND idempotency_key = $3`,
		tenantID, string(source), key)
	return scanDecision(row)
}

// LinkApproval implements Store. The JSONB payload is patched in the same
// statement so the stored document and the scalar column cannot diverge.
func (s *PostgresStore) LinkApproval(ctx context.Context, decisionID, approvalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions
		SET approval_request_id = $2,
		    payload = jsonb_set(payload, '{approval_request_id}', to_jsonb($2::text))
		WHERE id = $1`, decisionID, approvalID)
	if err != nil {
		return fmt.Errorf("decisionledger: link approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decisionledger: link approval: %w", err)
	}
	if n == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// ListDecisions implements Store.
func (s *PostgresStore) ListDecisions(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM decisions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("decisionledger: list decisions: %w", err)
	}
	defer rows.Close()

	var out []contracts.Decision
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("decisionledger: list scan: %w", err)
		}
		var d contracts.Decision
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("%w: stored decision payload invalid: %v", contracts.ErrInvariantViolation, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, decision_id, tenant_id, transition, snapshot, snapshot_sha256, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.DecisionID, e.TenantID, e.Transition, []byte(e.Snapshot), e.SnapshotSHA256, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("decisionledger: append: %w", err)
	}
	return nil
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, tenant_id, transition, snapshot, snapshot_sha256, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("decisionledger: entries: %w", err)
	}
	return scanEntries(rows)
}

// EntriesForDecision implements Store.
func (s *PostgresStore) EntriesForDecision(ctx context.Context, decisionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, tenant_id, transition, snapshot, snapshot_sha256, created_at
		FROM ledger_entries
		WHERE decision_id = $1
		ORDER BY created_at, id`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("decisionledger: entries for decision: %w", err)
	}
	return scanEntries(rows)
}

// UpdateEntry implements Store by refusing.
func (s *PostgresStore) UpdateEntry(_ context.Context, id string) error {
	return errAppendOnly("update", id)
}

// DeleteEntry implements Store by refusing.
func (s *PostgresStore) DeleteEntry(_ context.Context, id string) error {
	return errAppendOnly("delete", id)
}

func scanDecision(row *sql.Row) (*contracts.Decision, error) {
	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("decisionledger: read decision: %w", err)
	}
	var d contracts.Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: stored decision payload invalid: %v", contracts.ErrInvariantViolation, err)
	}
	return &d, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.DecisionID, &e.TenantID, &e.Transition, &snapshot, &e.SnapshotSHA256, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("decisionledger: entries scan: %w", err)
		}
		e.Snapshot = snapshot
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
