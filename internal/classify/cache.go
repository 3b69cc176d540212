package classify

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/telewatch/telewatch/internal/model"
)

const (
	cacheCapacity = 512
	cacheTTL      = 24 * time.Hour
)

// Cache is the fingerprint -> CacheEntry analysis cache: LRU eviction at
// 512 entries, with entries older than 24h treated as expired on read.
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, model.CacheEntry]
}

// NewCache builds a Cache at its fixed capacity.
func NewCache() *Cache {
	inner, err := lru.New[string, model.CacheEntry](cacheCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheCapacity
		// never is.
		panic(err)
	}
	return &Cache{inner: inner}
}

// Get returns the cached entry for fingerprint if present and not expired,
// bumping its last_seen and hit_count: on hit, the cached (severity,
// summary) is reused and the entry's last_seen and hit_count updated.
func (c *Cache) Get(fingerprint string) (model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.inner.Get(fingerprint)
	if !ok {
		return model.CacheEntry{}, false
	}
	if time.Since(entry.FirstSeen) > cacheTTL {
		c.inner.Remove(fingerprint)
		return model.CacheEntry{}, false
	}
	entry.LastSeen = time.Now()
	entry.HitCount++
	c.inner.Add(fingerprint, entry)
	return entry, true
}

// Put inserts or refreshes the cached classification for fingerprint.
func (c *Cache) Put(fingerprint string, severity model.Severity, summary string, localOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := model.CacheEntry{
		Fingerprint: fingerprint,
		Severity:    severity,
		Summary:     summary,
		FirstSeen:   now,
		LastSeen:    now,
		HitCount:    1,
		LocalOnly:   localOnly,
	}
	if existing, ok := c.inner.Peek(fingerprint); ok {
		entry.FirstSeen = existing.FirstSeen
		entry.HitCount = existing.HitCount + 1
	}
	c.inner.Add(fingerprint, entry)
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
