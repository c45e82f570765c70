package projection

import (
	"sync"
	"time"

	cartsync "github.com/iotyro/cartsync/internal/sync"
)

type cacheEntry struct {
	result   cartsync.Result
	cachedAt time.Time
}

// Cache holds per-owner cart view snapshots with a bounded lifetime. Expired
// entries are lazily dropped on access. Safe for concurrent use. Each
// Projection carries its own instance; there is no process-wide cache state.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

// NewCache creates a view cache with the given TTL. A non-positive TTL
// disables caching entirely.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached view for the owner key if present and fresh.
func (c *Cache) Get(key string) (cartsync.Result, bool) {
	if c.ttl <= 0 {
		return cartsync.Result{}, false
	}

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return cartsync.Result{}, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return cartsync.Result{}, false
	}

	return entry.result, true
}

// Set stores the view for the owner key with the current timestamp.
func (c *Cache) Set(key string, res cartsync.Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: res, cachedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops the cached view for the owner key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries, including ones that may have expired.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
