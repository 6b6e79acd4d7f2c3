package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/contracts"
)

// Store persists approval requests. Status transitions are compare-and-swap
// on the current status, so concurrent reviewers and the expiry worker
// cannot race a request into an inconsistent state.
type Store interface {
	Insert(ctx context.Context, req *contracts.ApprovalRequest) error
	Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	// RecordApproval counts one reviewer toward quorum. It fails when the
	// request is not PENDING, is past expiry, or the reviewer already
	// approved. When the quorum is reached the status flips to APPROVED.
	RecordApproval(ctx context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error)
	// Deny flips a PENDING request to DENIED.
	Deny(ctx context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error)
	// Consume flips APPROVED to CONSUMED. Exactly one caller wins; the
	// rest get ErrTokenConsumed.
	Consume(ctx context.Context, id string, at time.Time) error
	// ExpireOverdue flips PENDING requests past their expiry to EXPIRED and
	// returns them.
	ExpireOverdue(ctx context.Context, at time.Time, limit int) ([]contracts.ApprovalRequest, error)
	// ListWindow returns a tenant's requests created within [from, to),
	// ordered by (created_at, id) for deterministic exports.
	ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]contracts.ApprovalRequest, error)
	// ListPending returns a tenant's PENDING requests, oldest first.
	ListPending(ctx context.Context, tenantID string) ([]contracts.ApprovalRequest, error)
	// PendingCount reports the approval queue backlog.
	PendingCount(ctx context.Context) (int, error)
}

// MemoryStore is the in-memory Store used in tests.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[string]*contracts.ApprovalRequest
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*contracts.ApprovalRequest)}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, req *contracts.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reqs[req.ID]; exists {
		return contracts.ErrConflict
	}
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// RecordApproval implements Store.
func (s *MemoryStore) RecordApproval(_ context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	if req.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: approval is %s", contracts.ErrConflict, req.Status)
	}
	if !at.Before(req.ExpiresAt) {
		return nil, fmt.Errorf("%w: approval expired", contracts.ErrConflict)
	}
	for _, seen := range req.ReviewerIDs {
		if seen == reviewerID {
			return nil, fmt.Errorf("%w: reviewer already approved", contracts.ErrConflict)
		}
	}

	req.ReviewerIDs = append(req.ReviewerIDs, reviewerID)
	req.QuorumCount++
	req.ReviewerID = reviewerID
	t := at
	req.ReviewedAt = &t
	if req.QuorumCount >= req.QuorumRequired {
		req.Status = contracts.ApprovalApproved
	}
	cp := *req
	return &cp, nil
}

// Deny implements Store.
func (s *MemoryStore) Deny(_ context.Context, id, reviewerID string, at time.Time) (*contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	if req.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: approval is %s", contracts.ErrConflict, req.Status)
	}
	req.Status = contracts.ApprovalDenied
	req.ReviewerID = reviewerID
	t := at
	req.ReviewedAt = &t
	cp := *req
	return &cp, nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return contracts.ErrNotFound
	}
	if req.Status != contracts.ApprovalApproved {
		return fmt.Errorf("%w: approval is %s", contracts.ErrTokenConsumed, req.Status)
	}
	req.Status = contracts.ApprovalConsumed
	return nil
}

// ExpireOverdue implements Store.
func (s *MemoryStore) ExpireOverdue(_ context.Context, at time.Time, limit int) ([]contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []contracts.ApprovalRequest
	for _, req := range s.reqs {
		if len(expired) >= limit {
			break
		}
		if req.Status == contracts.ApprovalPending && !at.Before(req.ExpiresAt) {
			req.Status = contracts.ApprovalExpired
			expired = append(expired, *req)
		}
	}
	return expired, nil
}

// ListWindow implements Store.
func (s *MemoryStore) ListWindow(_ context.Context, tenantID string, from, to time.Time) ([]contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.ApprovalRequest
	for _, req := range s.reqs {
		if req.TenantID == tenantID && !req.CreatedAt.Before(from) && req.CreatedAt.Before(to) {
			out = append(out, *req)
		}
	}
	sortApprovals(out)
	return out, nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending(_ context.Context, tenantID string) ([]contracts.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.ApprovalRequest
	for _, req := range s.reqs {
		if req.TenantID == tenantID && req.Status == contracts.ApprovalPending {
			out = append(out, *req)
		}
	}
	sortApprovals(out)
	return out, nil
}

func sortApprovals(reqs []contracts.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// PendingCount implements Store.
func (s *MemoryStore) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.reqs {
		if req.Status == contracts.ApprovalPending {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
