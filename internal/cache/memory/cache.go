// Package memory provides an in-process crawler.Cache.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a TTL map. Expired entries are dropped lazily on access.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New returns an empty cache. clock may be nil.
func New(clock crawler.Clock) *Cache {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Cache{entries: make(map[string]entry), now: now}
}

// Get implements crawler.Cache.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, crawler.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// SetWithTTL implements crawler.Cache. A non-positive ttl never expires.
func (c *Cache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Delete implements crawler.Cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// DeleteByPattern removes keys matching a glob pattern (Redis MATCH syntax
// subset: *, ? and character classes).
func (c *Cache) DeleteByPattern(_ context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, &crawler.CacheError{Op: "delete pattern", Key: pattern, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

// Keys returns the live keys; used by tests and diagnostics.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			out = append(out, key)
		}
	}
	return out
}
