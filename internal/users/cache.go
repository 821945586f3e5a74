package users

import (
	"sync"
	"time"
)

// Cache is a tiny in-memory TTL cache for resolved display names.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  string
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(userID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.store[userID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, userID)
		c.mu.Unlock()
		return "", false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(userID, name string) {
	c.mu.Lock()
	c.store[userID] = cacheEntry{v: name, ts: c.now()}
	c.mu.Unlock()
}
