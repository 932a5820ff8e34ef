// Package readycache wraps the aggregator's ready-map read with a
// short-TTL process-local cache that prefers staleness to spurious
// emptiness (spec §4.5).
package readycache

import (
	"sync"
	"time"
)

// ReadyMap is the aggregator's (type -> tenant -> last-ready timestamp)
// structure. It is kept as a nested map rather than the flat
// encoded-name -> timestamp hash Redis stores, since every consumer
// (the queue selector) needs it grouped by type.
type ReadyMap map[string]map[string]int64

// Fetcher performs one fresh read of the aggregator's ready-map. A nil
// map (not an error) represents an empty result.
type Fetcher func() (ReadyMap, error)

// Cache is a short-TTL, stale-preferred cache over a Fetcher.
type Cache struct {
	fetch Fetcher
	ttl   time.Duration

	mu        sync.Mutex
	value     ReadyMap
	fetchedAt time.Time
}

// New builds a Cache with the given TTL (spec default: 1 second).
func New(fetch Fetcher, ttl time.Duration) *Cache {
	return &Cache{fetch: fetch, ttl: ttl}
}

// Get returns the cached value if it is within TTL. Otherwise it attempts
// a fresh read: on success with a non-empty result, the cache is
// replaced and the timestamp updated; if the fresh result is empty or the
// read fails, the stale cache is returned unchanged — staleness is
// preferred to spurious emptiness.
func (c *Cache) Get() ReadyMap {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < c.ttl {
		return c.value
	}

	fresh, err := c.fetch()
	if err != nil || len(fresh) == 0 {
		return c.value
	}

	c.value = fresh
	c.fetchedAt = time.Now()
	return c.value
}
