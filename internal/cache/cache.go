// Package cache memoizes aggregate ranking entries per (scope, filter).
//
// Entries are ephemeral and derivable; the cache is an in-process
// component injected where needed (never a package-level singleton) so
// scopes and tests stay isolated. Recomputation is guarded two ways:
// a singleflight group collapses concurrent recomputes of the same key,
// and a monotonic version compare-and-swap ensures a recompute that
// started before a newer one completed can never clobber the newer
// result.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/kyosei-dev/junban/internal/model"
)

// Key identifies one cached aggregate.
type Key struct {
	Scope  model.Scope
	Filter string
}

func (k Key) String() string {
	return k.Scope.String() + "#" + k.Filter
}

// ComputeFunc builds a candidate aggregate entry. The entry's
// ComputedAt must be the version passed in; the cache assigns versions
// at recompute start so ordering reflects when computation began.
type ComputeFunc func(ctx context.Context, version uint64) (model.AggregateEntry, error)

// Cache is a concurrency-safe aggregate cache. The zero value is not
// usable; use New.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]model.AggregateEntry
	// floors records, per key and per scope, the version below which
	// commits are rejected. Raised on invalidation so an in-flight
	// recompute that started before the invalidating change cannot
	// resurrect its pre-change candidate. The scope-level floor covers
	// keys the cache has never seen (first compute racing the first
	// invalidation).
	floors      map[Key]uint64
	scopeFloors map[model.Scope]uint64
	version     atomic.Uint64
	group       singleflight.Group
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:     make(map[Key]model.AggregateEntry),
		floors:      make(map[Key]uint64),
		scopeFloors: make(map[model.Scope]uint64),
	}
}

// Get returns the cached entry for the key, if present.
func (c *Cache) Get(scope model.Scope, filter string) (model.AggregateEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[Key{Scope: scope, Filter: filter}]
	return entry, ok
}

// Invalidate drops the entry for one (scope, filter) key. The next Get
// misses and the caller recomputes.
func (c *Cache) Invalidate(scope model.Scope, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(Key{Scope: scope, Filter: filter})
}

// InvalidateScope drops every entry for the scope, across all filters.
func (c *Cache) InvalidateScope(scope model.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.Scope == scope {
			c.drop(k)
		}
	}
	c.scopeFloors[scope] = c.version.Add(1)
}

// drop removes an entry and raises the commit floor for its key.
// Callers must hold c.mu.
func (c *Cache) drop(k Key) {
	delete(c.entries, k)
	c.floors[k] = c.version.Add(1)
}

// NextVersion returns a fresh monotonic version. Taken at recompute
// start, before any store reads.
func (c *Cache) NextVersion() uint64 {
	return c.version.Add(1)
}

// Commit stores the candidate entry unless a newer entry (or a newer
// invalidation) already exists for its key, in which case the candidate
// is discarded. Returns the entry cached after the call; ok is false
// when the candidate was rejected by a floor and nothing is cached for
// the key, in which case the caller must recompute at a fresh version
// rather than serve the rejected candidate.
func (c *Cache) Commit(candidate model.AggregateEntry) (model.AggregateEntry, bool) {
	k := Key{Scope: candidate.Scope, Filter: candidate.Filter}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[k]; ok && existing.ComputedAt > candidate.ComputedAt {
		return existing, true
	}
	if candidate.ComputedAt < c.floors[k] || candidate.ComputedAt < c.scopeFloors[k.Scope] {
		if existing, ok := c.entries[k]; ok {
			return existing, true
		}
		return model.AggregateEntry{}, false
	}
	c.entries[k] = candidate
	return candidate, true
}

// GetOrCompute returns the cached entry, computing it on miss.
// Concurrent callers of the same key share one computation. When an
// invalidation lands mid-compute and rejects the commit, the flight
// recomputes at a fresh version instead of serving the rejected
// candidate. A cancelled compute returns its error and commits nothing.
func (c *Cache) GetOrCompute(ctx context.Context, scope model.Scope, filter string, compute ComputeFunc) (model.AggregateEntry, error) {
	if entry, ok := c.Get(scope, filter); ok {
		return entry, nil
	}
	k := Key{Scope: scope, Filter: filter}
	v, err, _ := c.group.Do(k.String(), func() (any, error) {
		// Re-check under the group: another flight may have committed
		// between our miss and acquiring the flight.
		if entry, ok := c.Get(scope, filter); ok {
			return entry, nil
		}
		for {
			if err := ctx.Err(); err != nil {
				return model.AggregateEntry{}, err
			}
			version := c.NextVersion()
			candidate, err := compute(ctx, version)
			if err != nil {
				return model.AggregateEntry{}, err
			}
			if entry, ok := c.Commit(candidate); ok {
				return entry, nil
			}
		}
	})
	if err != nil {
		return model.AggregateEntry{}, err
	}
	return v.(model.AggregateEntry), nil
}
