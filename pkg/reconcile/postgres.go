package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/valdrix/enforcement/pkg/contracts"
)

const receiptSchema = `
CREATE TABLE IF NOT EXISTS reconcile_receipts (
    decision_id     TEXT        PRIMARY KEY,
    idempotency_key TEXT        NOT NULL,
    payload_sha256  TEXT        NOT NULL,
    outcome         JSONB       NOT NULL,
    processed_at    TIMESTAMPTZ NOT NULL
)`

const uniqueViolation = "23505"

// PostgresReceipts implements ReceiptStore on Postgres.
type PostgresReceipts struct {
	db *sql.DB
}

// NewPostgresReceipts creates a receipt store over an open pool.
func NewPostgresReceipts(db *sql.DB) *PostgresReceipts {
	return &PostgresReceipts{db: db}
}

// Init creates the backing table.
func (s *PostgresReceipts) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, receiptSchema); err != nil {
		return fmt.Errorf("reconcile: init schema: %w", err)
	}
	return nil
}

// Get implements ReceiptStore.
func (s *PostgresReceipts) Get(ctx context.Context, decisionID string) (*Receipt, error) {
	var (
		r       Receipt
		outcome []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT decision_id, idempotency_key, payload_sha256, outcome, processed_at
		FROM reconcile_receipts WHERE decision_id = $1`, decisionID).
		Scan(&r.DecisionID, &r.IdempotencyKey, &r.PayloadSHA256, &outcome, &r.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: get receipt: %w", err)
	}
	if err := json.Unmarshal(outcome, &r.Outcome); err != nil {
		return nil, fmt.Errorf("reconcile: decode outcome: %w", err)
	}
	return &r, nil
}

// Put implements ReceiptStore.
func (s *PostgresReceipts) Put(ctx context.Context, r *Receipt) error {
	outcome, err := json.Marshal(r.Outcome)
	if err != nil {
		return fmt.Errorf("reconcile: encode outcome: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_receipts
			(decision_id, idempotency_key, payload_sha256, outcome, processed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.DecisionID, r.IdempotencyKey, r.PayloadSHA256, outcome, r.ProcessedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return contracts.ErrConflict
		}
		return fmt.Errorf("reconcile: put receipt: %w", err)
	}
	return nil
}

var _ ReceiptStore = (*PostgresReceipts)(nil)
