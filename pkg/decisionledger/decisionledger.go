// Package decisionledger persists gate decisions and the append-only audit
// ledger. Every lifecycle transition of a decision is mirrored as a new
// ledger row carrying a canonical snapshot of the decision at that moment;
// ledger rows are never updated or deleted. The decision row itself is
// mutable only for approval linkage.
package decisionledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/canonicalize"
	"github.com/valdrix/enforcement/pkg/contracts"
)

// Lifecycle transitions recorded in the ledger.
const (
	TransitionCreated           = "created"
	TransitionApprovalRequested = "approval_requested"
	TransitionApproved          = "approved"
	TransitionDenied            = "denied"
	TransitionExpired           = "expired"
	TransitionReconciled        = "reconciled"
)

// Entry is one immutable ledger row: a canonical snapshot of a decision at
// a lifecycle transition.
type Entry struct {
	ID             string          `json:"id"`
	DecisionID     string          `json:"decision_id"`
	TenantID       string          `json:"tenant_id"`
	Transition     string          `json:"transition"`
	Snapshot       json.RawMessage `json:"snapshot"`
	SnapshotSHA256 string          `json:"snapshot_sha256"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Snapshot builds a ledger entry from the decision's current state. The
// snapshot is RFC 8785 canonical JSON so the entry hash is reproducible at
// export-parity time.
func Snapshot(d *contracts.Decision, transition string, at time.Time) (*Entry, error) {
	canonical, err := canonicalize.Canonical(d)
	if err != nil {
		return nil, fmt.Errorf("decisionledger: snapshot: %w", err)
	}
	return &Entry{
		ID:             uuid.NewString(),
		DecisionID:     d.ID,
		TenantID:       d.TenantID,
		Transition:     transition,
		Snapshot:       canonical,
		SnapshotSHA256: canonicalize.HashBytes(canonical),
		CreatedAt:      at.UTC(),
	}, nil
}

// Store persists decisions and ledger entries.
type Store interface {
	// InsertDecision stores a new decision. A (tenant, source,
	// idempotency_key) collision returns ErrConflict; the engine is
	// expected to have replayed the stored decision before getting here.
	InsertDecision(ctx context.Context, d *contracts.Decision) error
	// GetDecision returns a decision by id, or ErrNotFound.
	GetDecision(ctx context.Context, id string) (*contracts.Decision, error)
	// GetByIdempotency returns the decision stored under the idempotency
	// key, or ErrNotFound.
	GetByIdempotency(ctx context.Context, tenantID string, source contracts.Source, key string) (*contracts.Decision, error)
	// LinkApproval records the approval request id on the decision. The
	// only permitted decision mutation; the caller mirrors it as a ledger
	// entry.
	LinkApproval(ctx context.Context, decisionID, approvalID string) error
	// ListDecisions returns a tenant's decisions created within [from, to),
	// ordered by (created_at, id) for deterministic exports.
	ListDecisions(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.Decision, error)

	// Append writes a ledger entry.
	Append(ctx context.Context, e *Entry) error
	// Entries returns a tenant's ledger rows within [from, to), ordered by
	// (created_at, id).
	Entries(ctx context.Context, tenantID string, from, to time.Time) ([]Entry, error)
	// EntriesForDecision returns every ledger row of one decision in append
	// order.
	EntriesForDecision(ctx context.Context, decisionID string) ([]Entry, error)

	// UpdateEntry and DeleteEntry exist only to refuse: the ledger is
	// append-only and both always return ErrInvariantViolation. The
	// database trigger is the second line of defense.
	UpdateEntry(ctx context.Context, id string) error
	DeleteEntry(ctx context.Context, id string) error
}

// errAppendOnly is the shared refusal for entry mutation attempts.
func errAppendOnly(op, id string) error {
	return fmt.Errorf("%w: ledger is append-only, refused %s of entry %s", contracts.ErrInvariantViolation, op, id)
}
