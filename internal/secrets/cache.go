package secrets

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// Cache bounds how often the underlying provider is hit. The TTL keeps
// staleness bounded so a rotated secret is picked up; fetch errors
// propagate, they are never papered over with a stale or empty value.
type Cache struct {
	inner Provider
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache(inner Provider, ttl time.Duration) *Cache {
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	value, err := c.inner.Get(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()

	return value, nil
}
