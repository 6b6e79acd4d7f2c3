package decisionledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

func sampleDecision(id, idem string, at time.Time) *contracts.Decision {
	return &contracts.Decision{
		ID:               id,
		TenantID:         "t-1",
		Source:           contracts.SourceTerraform,
		Action:           "ec2.run_instances",
		ProjectID:        "web",
		Environment:      "prod",
		IdempotencyKey:   idem,
		Status:           contracts.StatusAllow,
		ReasonCode:       contracts.ReasonOK,
		EstimatedMonthly: money.FromDollars(120),
		PolicyVersion:    2,
		CreatedAt:        at,
	}
}

func TestSnapshot_Deterministic(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	d := sampleDecision("d-1", "k-1", at)

	a, err := Snapshot(d, TransitionCreated, at)
	require.NoError(t, err)
	b, err := Snapshot(d, TransitionCreated, at)
	require.NoError(t, err)

	assert.Equal(t, string(a.Snapshot), string(b.Snapshot))
	assert.Equal(t, a.SnapshotSHA256, b.SnapshotSHA256)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "d-1", a.DecisionID)
	assert.Equal(t, "t-1", a.TenantID)
}

func TestMemoryStore_IdempotencyLookup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Now().UTC()

	require.NoError(t, s.InsertDecision(ctx, sampleDecision("d-1", "terraform:run-1:plan", at)))

	got, err := s.GetByIdempotency(ctx, "t-1", contracts.SourceTerraform, "terraform:run-1:plan")
	require.NoError(t, err)
	assert.Equal(t, "d-1", got.ID)

	_, err = s.GetByIdempotency(ctx, "t-1", contracts.SourceTerraform, "other")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	// Same key again is a conflict; the engine replays before inserting.
	err = s.InsertDecision(ctx, sampleDecision("d-2", "terraform:run-1:plan", at))
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestMemoryStore_LinkApproval(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.InsertDecision(ctx, sampleDecision("d-1", "k-1", time.Now())))
	require.NoError(t, s.LinkApproval(ctx, "d-1", "ap-9"))

	got, err := s.GetDecision(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "ap-9", got.ApprovalRequestID)

	assert.ErrorIs(t, s.LinkApproval(ctx, "ghost", "ap-9"), contracts.ErrNotFound)
}

func TestMemoryStore_LedgerAppendOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	d := sampleDecision("d-1", "k-1", base)

	for i, tr := range []string{TransitionCreated, TransitionApprovalRequested, TransitionApproved} {
		e, err := Snapshot(d, tr, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, e))
	}

	entries, err := s.EntriesForDecision(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, TransitionCreated, entries[0].Transition)
	assert.Equal(t, TransitionApproved, entries[2].Transition)

	window, err := s.Entries(ctx, "t-1", base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, window, 2) // [from, to)
}

func TestMemoryStore_RefusesEntryMutation(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.UpdateEntry(context.Background(), "e-1"), contracts.ErrInvariantViolation)
	assert.ErrorIs(t, s.DeleteEntry(context.Background(), "e-1"), contracts.ErrInvariantViolation)
}

func TestPostgresStore_RefusesEntryMutation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	// No SQL expectations: the guard refuses before touching the database.
	assert.ErrorIs(t, s.UpdateEntry(context.Background(), "e-1"), contracts.ErrInvariantViolation)
	assert.ErrorIs(t, s.DeleteEntry(context.Background(), "e-1"), contracts.ErrInvariantViolation)
}

func TestPostgresStore_GetByIdempotency(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	payload := `{"id":"d-1","tenant_id":"t-1","source":"terraform","status":"ALLOW","reason_code":"ok"}`
	mock.ExpectQuery(`SELECT payload FROM decisions`).
		WithArgs("t-1", "terraform", "terraform:run-1:plan").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(payload)))

	s := NewPostgresStore(db)
	d, err := s.GetByIdempotency(context.Background(), "t-1", contracts.SourceTerraform, "terraform:run-1:plan")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusAllow, d.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	d := sampleDecision("d-1", "k-1", time.Now().UTC())
	e, err := Snapshot(d, TransitionCreated, time.Now())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs(e.ID, "d-1", "t-1", TransitionCreated, []byte(e.Snapshot), e.SnapshotSHA256, e.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	require.NoError(t, s.Append(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}
