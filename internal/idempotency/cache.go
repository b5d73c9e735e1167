// Package idempotency deduplicates retried tool invocations by request id.
package idempotency

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL matches the retention window for completed request results.
const DefaultTTL = 24 * time.Hour

// sweepInterval bounds how often writes trigger a full expiry sweep.
const sweepInterval = 5 * time.Minute

// Cache maps a request id to the result of its first successful
// execution. Expiry is lazy: an expired entry behaves as absent on read
// and is purged; writes run an opportunistic sweep at most once per
// sweepInterval. Uses sync.Map for lock-free reads on the hot path.
type Cache struct {
	store     sync.Map // map[string]*entry
	ttl       time.Duration
	nextSweep atomic.Int64 // unix nanos
}

type entry struct {
	result    any
	createdAt time.Time
}

// New creates a cache with the given TTL. A zero TTL uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{ttl: ttl}
	c.nextSweep.Store(time.Now().Add(sweepInterval).UnixNano())
	return c
}

// Get returns the cached result for a request id. Expired entries are
// purged and reported as absent.
func (c *Cache) Get(requestID string) (any, bool) {
	val, ok := c.store.Load(requestID)
	if !ok {
		return nil, false
	}
	e := val.(*entry)
	if time.Since(e.createdAt) >= c.ttl {
		c.store.Delete(requestID)
		return nil, false
	}
	return e.result, true
}

// Set records the result of a completed request. Errors must never be
// cached; callers only Set on success.
func (c *Cache) Set(requestID string, result any) {
	c.store.Store(requestID, &entry{result: result, createdAt: time.Now()})
	c.maybeSweep()
}

// Len reports the number of entries, expired included.
func (c *Cache) Len() int {
	n := 0
	c.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// maybeSweep purges expired entries if the sweep interval has elapsed.
// Only one writer wins the CAS, so concurrent Sets never sweep twice.
func (c *Cache) maybeSweep() {
	now := time.Now()
	next := c.nextSweep.Load()
	if now.UnixNano() < next {
		return
	}
	if !c.nextSweep.CompareAndSwap(next, now.Add(sweepInterval).UnixNano()) {
		return
	}
	c.store.Range(func(key, val any) bool {
		if now.Sub(val.(*entry).createdAt) >= c.ttl {
			c.store.Delete(key)
		}
		return true
	})
}
