// Package actions is the queue boundary between approved decisions and the
// actions orchestrator: executions are enqueued here and claimed under
// short-lived leases, with attempt and backoff bookkeeping driven by the
// tenant's policy document. The cloud-side work itself happens elsewhere.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// Queue persists action executions. A claim moves one due execution to
// RUNNING under a lease; expired leases make the execution claimable again
// with its attempt count preserved.
type Queue interface {
	// Enqueue stores a new QUEUED execution. ID and timestamps are assigned
	// when empty.
	Enqueue(ctx context.Context, exec *contracts.ActionExecution) error
	// ClaimNext claims the oldest due execution for the owner, bumping its
	// attempt count. ErrNotFound when nothing is due.
	ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*contracts.ActionExecution, error)
	// Complete finishes a RUNNING execution held by owner.
	Complete(ctx context.Context, id, owner string) error
	// Fail records a failed attempt: requeued with backoff while attempts
	// remain, FAILED once maxAttempts is reached.
	Fail(ctx context.Context, id, owner string, backoff time.Duration, maxAttempts int) error
	// Cancel cancels a QUEUED execution.
	Cancel(ctx context.Context, id string) error
	// Get returns one execution.
	Get(ctx context.Context, id string) (*contracts.ActionExecution, error)
	// Pending counts executions not yet in a terminal state.
	Pending(ctx context.Context, tenantID string) (int, error)
}

// MemoryQueue is the in-memory Queue used in tests.
type MemoryQueue struct {
	mu    sync.Mutex
	execs map[string]*contracts.ActionExecution
	clock func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		execs: make(map[string]*contracts.ActionExecution),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, exec *contracts.ActionExecution) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if _, exists := q.execs[exec.ID]; exists {
		return contracts.ErrConflict
	}
	exec.State = contracts.ActionQueued
	if exec.NextAttemptAt.IsZero() {
		exec.NextAttemptAt = now
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	cp := *exec
	q.execs[exec.ID] = &cp
	return nil
}

// ClaimNext implements Queue.
func (q *MemoryQueue) ClaimNext(_ context.Context, owner string, leaseTTL time.Duration) (*contracts.ActionExecution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()

	var due []*contracts.ActionExecution
	for _, e := range q.execs {
		if claimable(e, now) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil, contracts.ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})

	e := due[0]
	e.State = contracts.ActionRunning
	e.Attempts++
	e.LeaseOwner = owner
	lease := now.Add(leaseTTL)
	e.LeaseExpiresAt = &lease
	e.UpdatedAt = now
	cp := *e
	return &cp, nil
}

func claimable(e *contracts.ActionExecution, now time.Time) bool {
	switch e.State {
	case contracts.ActionQueued:
		return !e.NextAttemptAt.After(now)
	case contracts.ActionRunning:
		// A dead worker's lease has lapsed.
		return e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now)
	}
	return false
}

// Complete implements Queue.
func (q *MemoryQueue) Complete(_ context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(id, owner)
	if err != nil {
		return err
	}
	e.State = contracts.ActionSucceeded
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = q.clock().UTC()
	return nil
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(_ context.Context, id, owner string, backoff time.Duration, maxAttempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(id, owner)
	if err != nil {
		return err
	}
	now := q.clock().UTC()
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = now
	if e.Attempts >= maxAttempts {
		e.State = contracts.ActionFailed
		return nil
	}
	e.State = contracts.ActionQueued
	e.NextAttemptAt = now.Add(backoff * time.Duration(e.Attempts))
	return nil
}

// Cancel implements Queue.
func (q *MemoryQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.execs[id]
	if !ok {
		return contracts.ErrNotFound
	}
	if e.State != contracts.ActionQueued {
		return fmt.Errorf("%w: execution is %s", contracts.ErrConflict, e.State)
	}
	e.State = contracts.ActionCancelled
	e.UpdatedAt = q.clock().UTC()
	return nil
}

// Get implements Queue.
func (q *MemoryQueue) Get(_ context.Context, id string) (*contracts.ActionExecution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.execs[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Pending implements Queue.
func (q *MemoryQueue) Pending(_ context.Context, tenantID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.execs {
		if e.TenantID != tenantID {
			continue
		}
		if e.State == contracts.ActionQueued || e.State == contracts.ActionRunning {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) leased(id, owner string) (*contracts.ActionExecution, error) {
	e, ok := q.execs[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	if e.State != contracts.ActionRunning || e.LeaseOwner != owner {
		return nil, fmt.Errorf("%w: lease not held by %s", contracts.ErrConflict, owner)
	}
	return e, nil
}

var _ Queue = (*MemoryQueue)(nil)
