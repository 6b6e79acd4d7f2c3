// Package tenants resolves tenant → tier through the external tenant
// directory, fronted by a bounded TTL cache so gate evaluation never waits
// on the directory for hot tenants.
package tenants

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valdrix/enforcement/pkg/tiers"
)

// Directory is the external tenant directory boundary. Owned by the billing
// plane; the enforcement core only reads it.
type Directory interface {
	TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error)
}

const (
	cacheTTL        = 60 * time.Second
	cacheMaxEntries = 4096
)

type cacheEntry struct {
	tenantID string
	tier     tiers.TierID
	storedAt time.Time
}

// Resolver is a concurrent-safe, LRU-evicting, TTL-bounded tier resolver.
// Unknown tenants resolve to FREE and record a warning.
type Resolver struct {
	directory Directory
	logger    *slog.Logger
	clock     func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used

	// unknownTenant is invoked when the directory has no record; wired to a
	// metric counter by the server.
	unknownTenant func(tenantID string)
}

// NewResolver creates a resolver over the given directory.
func NewResolver(directory Directory) *Resolver {
	return &Resolver{
		directory:     directory,
		logger:        slog.Default().With("component", "tenants"),
		clock:         time.Now,
		entries:       make(map[string]*list.Element),
		lru:           list.New(),
		unknownTenant: func(string) {},
	}
}

// WithClock overrides the clock for testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// OnUnknownTenant registers a hook fired when a tenant is missing from the
// directory.
func (r *Resolver) OnUnknownTenant(fn func(tenantID string)) {
	r.unknownTenant = fn
}

// TenantTier resolves the tier for a tenant, serving from cache within TTL.
func (r *Resolver) TenantTier(ctx context.Context, tenantID string) (tiers.TierID, error) {
	if tier, ok := r.cached(tenantID); ok {
		return tier, nil
	}

	tier, err := r.directory.TenantTier(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !tiers.Known(tier) {
		r.logger.Warn("unknown tenant tier, defaulting to FREE", "tenant_id", tenantID, "tier", string(tier))
		r.unknownTenant(tenantID)
		tier = tiers.TierFree
	}

	r.store(tenantID, tier)
	return tier, nil
}

// ClearTenant invalidates the cached tier for one tenant. Called after any
// plan sync.
func (r *Resolver) ClearTenant(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[tenantID]; ok {
		r.lru.Remove(el)
		delete(r.entries, tenantID)
	}
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Resolver) cached(tenantID string) (tiers.TierID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[tenantID]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if r.clock().Sub(entry.storedAt) > cacheTTL {
		r.lru.Remove(el)
		delete(r.entries, tenantID)
		return "", false
	}
	r.lru.MoveToFront(el)
	return entry.tier, true
}

func (r *Resolver) store(tenantID string, tier tiers.TierID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[tenantID]; ok {
		entry := el.Value.(*cacheEntry)
		entry.tier = tier
		entry.storedAt = r.clock()
		r.lru.MoveToFront(el)
		return
	}

	for len(r.entries) >= cacheMaxEntries {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.lru.Remove(oldest)
		delete(r.entries, oldest.Value.(*cacheEntry).tenantID)
	}

	r.entries[tenantID] = r.lru.PushFront(&cacheEntry{
		tenantID: tenantID,
		tier:     tier,
		storedAt: r.clock(),
	})
}

// StaticDirectory is a fixed tenant→tier map, used in tests and single-tenant
// deployments.
type StaticDirectory map[string]tiers.TierID

// TenantTier implements Directory.
func (d StaticDirectory) TenantTier(_ context.Context, tenantID string) (tiers.TierID, error) {
	tier, ok := d[tenantID]
	if !ok {
		return "", nil // unknown → resolver defaults to FREE
	}
	return tier, nil
}
