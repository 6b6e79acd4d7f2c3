package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/valdrix/enforcement/pkg/contracts"
)

const policySchema = `
CREATE TABLE IF NOT EXISTS policy_documents (
    tenant_id       TEXT        NOT NULL,
    policy_version  INTEGER     NOT NULL,
    schema_version  TEXT        NOT NULL,
    sha256_hash     TEXT        NOT NULL,
    payload         JSONB       NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, policy_version)
)`

// PostgresStore persists policy documents in Postgres. Versions are assigned
// inside the insert statement so concurrent puts for one tenant serialize on
// the primary key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a policy store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, policySchema); err != nil {
		return fmt.Errorf("policy: init schema: %w", err)
	}
	return nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, tenantID string, payload []byte) (*contracts.PolicyDocument, error) {
	doc, err := Parse(payload)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO policy_documents (tenant_id, policy_version, schema_version, sha256_hash, payload)
		SELECT $1, COALESCE(MAX(policy_version), 0) + 1, $2, $3, $4
		FROM policy_documents WHERE tenant_id = $1
		RETURNING policy_version, created_at`,
		tenantID, doc.SchemaVersion, doc.SHA256, doc.CanonicalPayload)
	if err := row.Scan(&doc.PolicyVersion, &doc.CreatedAt); err != nil {
		return nil, fmt.Errorf("policy: put: %w", err)
	}
	return doc, nil
}

// Active implements Store.
func (s *PostgresStore) Active(ctx context.Context, tenantID string) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_version, payload, created_at
		FROM policy_documents
		WHERE tenant_id = $1
		ORDER BY policy_version DESC
		LIMIT 1`, tenantID)
	return s.scan(row)
}

// Version implements Store.
func (s *PostgresStore) Version(ctx context.Context, tenantID string, version int) (*contracts.PolicyDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_version, payload, created_at
		FROM policy_documents
		WHERE tenant_id = $1 AND policy_version = $2`, tenantID, version)
	return s.scan(row)
}

func (s *PostgresStore) scan(row *sql.Row) (*contracts.PolicyDocument, error) {
	var (
		version int
		payload []byte
		created sql.NullTime
	)
	err := row.Scan(&version, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("policy: read: %w", err)
	}

	// Stored payloads already passed Parse at put time; a failure here means
	// the row was tampered with.
	doc, err := Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: stored policy payload invalid: %v", contracts.ErrInvariantViolation, err)
	}
	doc.PolicyVersion = version
	if created.Valid {
		doc.CreatedAt = created.Time.UTC()
	}
	return doc, nil
}
