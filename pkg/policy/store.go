package policy

import (
	"context"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// Store persists versioned policy documents per tenant. Versions are
// append-only; Put never rewrites an existing version.
type Store interface {
	// Put validates the payload and stores it as the next policy version.
	Put(ctx context.Context, tenantID string, payload []byte) (*contracts.PolicyDocument, error)
	// Active returns the highest-version document for the tenant, or
	// ErrNotFound when the tenant has no policy yet.
	Active(ctx context.Context, tenantID string) (*contracts.PolicyDocument, error)
	// Version returns one specific document version.
	Version(ctx context.Context, tenantID string, version int) (*contracts.PolicyDocument, error)
}

// MemoryStore is the in-memory Store used in tests and single-node dev.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]*contracts.PolicyDocument

	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string][]*contracts.PolicyDocument),
		clock: time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, tenantID string, payload []byte) (*contracts.PolicyDocument, error) {
	doc, err := Parse(payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc.PolicyVersion = len(s.docs[tenantID]) + 1
	doc.CreatedAt = s.clock().UTC()
	s.docs[tenantID] = append(s.docs[tenantID], doc)
	return doc, nil
}

// Active implements Store.
func (s *MemoryStore) Active(_ context.Context, tenantID string) (*contracts.PolicyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.docs[tenantID]
	if len(versions) == 0 {
		return nil, contracts.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

// Version implements Store.
func (s *MemoryStore) Version(_ context.Context, tenantID string, version int) (*contracts.PolicyDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.docs[tenantID]
	if version < 1 || version > len(versions) {
		return nil, contracts.ErrNotFound
	}
	return versions[version-1], nil
}
