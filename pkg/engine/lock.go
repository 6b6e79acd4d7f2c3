package engine

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// Locker serializes gate evaluations per (tenant, source) so two concurrent
// requests cannot both reserve the same headroom. Acquire blocks up to the
// configured wait; release must always be called on success.
type Locker interface {
	Acquire(ctx context.Context, tenantID string, source contracts.Source) (release func(), err error)
}

const lockRetryInterval = 25 * time.Millisecond

// lockKey hashes the (tenant, source) pair onto the advisory-lock keyspace.
func lockKey(tenantID string, source contracts.Source) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return int64(h.Sum64())
}

// PGAdvisoryLocker takes transaction-scoped advisory locks; the lock is
// released when the holding transaction ends, so a crashed evaluator never
// wedges the gate.
type PGAdvisoryLocker struct {
	db   *sql.DB
	wait time.Duration
}

// NewPGAdvisoryLocker creates a locker over an open pool.
func NewPGAdvisoryLocker(db *sql.DB, wait time.Duration) *PGAdvisoryLocker {
	return &PGAdvisoryLocker{db: db, wait: wait}
}

// Acquire implements Locker. pg_try_advisory_xact_lock never blocks inside
// the database; contention is handled by retrying here, bounded by the wait
// window. Hitting the caller's deadline is a timeout; exhausting the window
// with the lock still held elsewhere is contention.
func (l *PGAdvisoryLocker) Acquire(ctx context.Context, tenantID string, source contracts.Source) (func(), error) {
	deadline := time.Now().Add(l.wait)
	for {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: begin lock tx: %v", contracts.ErrDependencyUnavailable, err)
		}
		var locked bool
		if err := tx.QueryRowContext(ctx,
			`SELECT pg_try_advisory_xact_lock($1)`, lockKey(tenantID, source)).Scan(&locked); err != nil {
			_ = tx.Rollback()
			if ctx.Err() != nil {
				return nil, contracts.ErrLockTimeout
			}
			return nil, fmt.Errorf("%w: advisory lock: %v", contracts.ErrDependencyUnavailable, err)
		}
		if locked {
			return func() { _ = tx.Rollback() }, nil
		}
		_ = tx.Rollback()

		if time.Now().After(deadline) {
			return nil, contracts.ErrLockContended
		}
		select {
		case <-ctx.Done():
			return nil, contracts.ErrLockTimeout
		case <-time.After(lockRetryInterval):
		}
	}
}

// MemoryLocker is the in-process Locker used in tests and single-node dev.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]struct{}
	wait time.Duration
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]struct{}), wait: wait}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, tenantID string, source contracts.Source) (func(), error) {
	key := lockKey(tenantID, source)
	deadline := time.Now().Add(l.wait)
	for {
		l.mu.Lock()
		if _, taken := l.held[key]; !taken {
			l.held[key] = struct{}{}
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
			}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, contracts.ErrLockContended
		}
		select {
		case <-ctx.Done():
			return nil, contracts.ErrLockTimeout
		case <-time.After(time.Millisecond):
		}
	}
}

var (
	_ Locker = (*PGAdvisoryLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
