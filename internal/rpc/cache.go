package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// resultCache stores recent idempotent call results with a short TTL.
type resultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	result   json.RawMessage
	storedAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *resultCache) get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	return entry.result, true
}

func (c *resultCache) put(key string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistically drop expired entries so the map does not grow
	// without bound under changing params.
	if len(c.entries) > 256 {
		cutoff := c.now().Add(-c.ttl)
		for k, e := range c.entries {
			if e.storedAt.Before(cutoff) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{result: result, storedAt: c.now()}
}
