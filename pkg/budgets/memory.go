package budgets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
	"github.com/valdrix/enforcement/pkg/money"
)

type allocKey struct{ tenant, project string }

type usageKey struct{ tenant, project, month string }

// MemoryStore is the in-memory Store used in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	caps  map[allocKey]money.USD
	usage map[usageKey]money.USD
}

// NewMemoryStore creates an empty in-memory allocation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		caps:  make(map[allocKey]money.USD),
		usage: make(map[usageKey]money.USD),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, projectID, monthKey string) (*Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cap, ok := s.caps[allocKey{tenantID, projectID}]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return &Allocation{
		TenantID:   tenantID,
		ProjectID:  projectID,
		MonthKey:   monthKey,
		MonthlyCap: cap,
		Used:       s.usage[usageKey{tenantID, projectID, monthKey}],
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// SetCap implements Store.
func (s *MemoryStore) SetCap(_ context.Context, tenantID, projectID string, cap money.USD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[allocKey{tenantID, projectID}] = cap
	return nil
}

// Charge implements Store.
func (s *MemoryStore) Charge(_ context.Context, tenantID, projectID, monthKey string, amount money.USD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{tenantID, projectID, monthKey}
	next := s.usage[k] + amount
	if next < 0 {
		next = 0
	}
	s.usage[k] = next
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, tenantID, monthKey string) ([]Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Allocation
	for k, cap := range s.caps {
		if k.tenant != tenantID {
			continue
		}
		out = append(out, Allocation{
			TenantID:   tenantID,
			ProjectID:  k.project,
			MonthKey:   monthKey,
			MonthlyCap: cap,
			Used:       s.usage[usageKey{tenantID, k.project, monthKey}],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}
