package catalog

import (
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a catalog read stays cached before a fresh
// fetch is forced.
const DefaultCacheTTL = 60 * time.Second

// cacheEntry is a single cached catalog value with its storage time.
type cacheEntry struct {
	value    any
	storedAt time.Time
}

// cache is a TTL read-through cache keyed by (table, id) or
// (table, query-fingerprint). It is shared read-many with explicit
// invalidation on write-through; no correctness invariant depends on
// cache freshness. Callers that write back must check the returned age.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newCache(ttl time.Duration) *cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey builds the canonical cache key for a table plus id or fingerprint.
func cacheKey(table, id string) string {
	return table + "\x00" + id
}

// get returns the cached value and its age. Expired entries are removed
// and reported as a miss.
func (c *cache) get(key string) (any, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	age := c.now().Sub(e.storedAt)
	if age > c.ttl {
		delete(c.entries, key)
		return nil, 0, false
	}
	return e.value, age, true
}

func (c *cache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, storedAt: c.now()}
}

// invalidate removes a single cached record.
func (c *cache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// invalidateTable removes every cached entry for a table, including query
// fingerprints. Called on write-through so list queries do not serve
// records that were just mutated.
func (c *cache) invalidateTable(table string) {
	prefix := table + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}
