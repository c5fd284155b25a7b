package directory

import (
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// lookupCache keeps recent lookups, including misses, for a short TTL
type lookupCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newLookupCache(ttl time.Duration) *lookupCache {
	return &lookupCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns the cached entry of key; a cached miss is (nil, true)
func (c *lookupCache) get(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.entry, true
}

func (c *lookupCache) set(key string, entry *Entry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{entry: entry, expiresAt: c.now().Add(c.ttl)}
}

func (c *lookupCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *lookupCache) deletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *lookupCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
