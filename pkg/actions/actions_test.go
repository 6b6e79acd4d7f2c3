package actions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdrix/enforcement/pkg/contracts"
)

var now = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) (*MemoryQueue, *time.Time) {
	t.Helper()
	clock := now
	q := NewMemoryQueue().WithClock(func() time.Time { return clock })
	return q, &clock
}

func enqueue(t *testing.T, q *MemoryQueue, id string) {
	t.Helper()
	require.NoError(t, q.Enqueue(context.Background(), &contracts.ActionExecution{
		ID: id, DecisionID: "d-" + id, TenantID: "t1",
	}))
}

func TestClaimNext_OldestFirst(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")
	enqueue(t, q, "b")

	exec, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", exec.ID)
	assert.Equal(t, contracts.ActionRunning, exec.State)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, "worker-1", exec.LeaseOwner)

	exec, err = q.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "b", exec.ID)

	_, err = q.ClaimNext(ctx, "worker-3", time.Minute)
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestClaimNext_LapsedLeaseReclaimable(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")

	_, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	// Lease still live: not claimable.
	_, err = q.ClaimNext(ctx, "worker-2", time.Minute)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	*clock = now.Add(2 * time.Minute)
	exec, err := q.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", exec.ID)
	assert.Equal(t, 2, exec.Attempts)
	assert.Equal(t, "worker-2", exec.LeaseOwner)

	// The dead worker's completion attempt loses.
	err = q.Complete(ctx, "a", "worker-1")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestComplete(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")

	exec, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, exec.ID, "worker-1"))

	got, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionSucceeded, got.State)
	assert.Empty(t, got.LeaseOwner)
}

func TestFail_BackoffThenTerminal(t *testing.T) {
	q, clock := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")

	backoff := 30 * time.Second
	const maxAttempts = 2

	_, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "a", "worker-1", backoff, maxAttempts))

	got, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionQueued, got.State)
	assert.Equal(t, now.Add(backoff), got.NextAttemptAt)

	// Not due until the backoff elapses.
	_, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	*clock = now.Add(backoff)
	_, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "a", "worker-1", backoff, maxAttempts))

	got, err = q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionFailed, got.State)
}

func TestCancel_OnlyQueued(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")
	enqueue(t, q, "b")

	require.NoError(t, q.Cancel(ctx, "b"))
	got, err := q.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionCancelled, got.State)

	_, err = q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	err = q.Cancel(ctx, "a")
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestPending(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, "a")
	enqueue(t, q, "b")

	n, err := q.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	exec, err := q.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, exec.ID, "worker-1"))

	n, err = q.Pending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresClaimNext(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db).WithClock(func() time.Time { return now })

	cols := []string{"id", "decision_id", "approval_id", "tenant_id", "state", "attempts",
		"lease_owner", "lease_expires_at", "next_attempt_at", "created_at", "updated_at"}
	mock.ExpectQuery(`UPDATE action_executions`).
		WithArgs("worker-1", now.Add(time.Minute), now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a", "d-a", nil, "t1", "RUNNING", 1, "worker-1", now.Add(time.Minute), now, now, now))

	exec, err := q.ClaimNext(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "a", exec.ID)
	assert.Equal(t, contracts.ActionRunning, exec.State)
	require.NotNil(t, exec.LeaseExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresComplete_LeaseLost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	q := NewPostgresQueue(db).WithClock(func() time.Time { return now })

	mock.ExpectExec(`UPDATE action_executions`).
		WithArgs("a", "worker-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	cols := []string{"id", "decision_id", "approval_id", "tenant_id", "state", "attempts",
		"lease_owner", "lease_expires_at", "next_attempt_at", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM action_executions WHERE id`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a", "d-a", nil, "t1", "RUNNING", 2, "worker-2", now.Add(time.Minute), now, now, now))

	err = q.Complete(context.Background(), "a", "worker-1")
	assert.ErrorIs(t, err, contracts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
