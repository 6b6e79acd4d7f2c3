package decisionledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
)

type idemKey struct {
	tenant string
	source contracts.Source
	key    string
}

// MemoryStore is the in-memory Store used in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]*contracts.Decision
	byIdem    map[idemKey]string
	entries   []Entry
}

// NewMemoryStore creates an empty in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[string]*contracts.Decision),
		byIdem:    make(map[idemKey]string),
	}
}

// InsertDecision implements Store.
func (s *MemoryStore) InsertDecision(_ context.Context, d *contracts.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{d.TenantID, d.Source, d.IdempotencyKey}
	if _, exists := s.byIdem[k]; exists {
		return fmt.Errorf("%w: decision already stored for idempotency key %q", contracts.ErrConflict, d.IdempotencyKey)
	}
	cp := *d
	s.decisions[d.ID] = &cp
	s.byIdem[k] = d.ID
	return nil
}

// GetDecision implements Store.
func (s *MemoryStore) GetDecision(_ context.Context, id string) (*contracts.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetByIdempotency implements Store.
func (s *MemoryStore) GetByIdempotency(_ context.Context, tenantID string, source contracts.Source, key string) (*contracts.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdem[idemKey{tenantID, source, key}]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *s.decisions[id]
	return &cp, nil
}

// LinkApproval implements Store.
func (s *MemoryStore) LinkApproval(_ context.Context, decisionID, approvalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return contracts.ErrNotFound
	}
	d.ApprovalRequestID = approvalID
	return nil
}

// ListDecisions implements Store.
func (s *MemoryStore) ListDecisions(_ context.Context, tenantID string, from, to time.Time) ([]contracts.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Decision
	for _, d := range s.decisions {
		if d.TenantID == tenantID && !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, tenantID string, from, to time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TenantID == tenantID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// EntriesForDecision implements Store.
func (s *MemoryStore) EntriesForDecision(_ context.Context, decisionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.DecisionID == decisionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// UpdateEntry implements Store by refusing.
func (s *MemoryStore) UpdateEntry(_ context.Context, id string) error {
	return errAppendOnly("update", id)
}

// DeleteEntry implements Store by refusing.
func (s *MemoryStore) DeleteEntry(_ context.Context, id string) error {
	return errAppendOnly("delete", id)
}

var _ Store = (*MemoryStore)(nil)
