package catalog

import (
	"sync"
	"sync/atomic"
	"time"
)

// SpecCache is a TTL-based in-memory cache with stale-while-revalidate
// for tool specs. Uses sync.Map for lock-free reads on the hot path.
type SpecCache struct {
	store sync.Map // map[string]*specCacheEntry
	ttl   time.Duration
}

type specCacheEntry struct {
	spec       *ToolSpec // nil = negative cache (tool not found)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Spec         *ToolSpec // nil if not found or negative cache
	Hit          bool      // true if a value was found (fresh or stale)
	NeedsRefresh bool      // true if expired — caller should refresh in background
}

// NewSpecCache creates a cache with the given TTL.
func NewSpecCache(ttl time.Duration) *SpecCache {
	return &SpecCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *SpecCache) Get(toolName string) CacheGetResult {
	val, ok := c.store.Load(toolName)
	if !ok {
		return CacheGetResult{Hit: false}
	}

	entry := val.(*specCacheEntry)
	now := time.Now()

	if now.Before(entry.expiresAt) {
		return CacheGetResult{
			Spec: entry.spec,
			Hit:  true,
		}
	}

	// Stale hit — signal refresh needed (only one goroutine wins the CAS)
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return CacheGetResult{
		Spec:         entry.spec,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a tool spec in the cache with a fresh TTL.
// Passing nil stores a negative cache entry (tool not found).
func (c *SpecCache) Set(toolName string, spec *ToolSpec) {
	c.store.Store(toolName, &specCacheEntry{
		spec:      spec,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *SpecCache) Delete(toolName string) {
	c.store.Delete(toolName)
}
