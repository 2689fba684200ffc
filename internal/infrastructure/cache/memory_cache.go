package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// MemoryCache is an in-process LRU for local development, no Redis required.
type MemoryCache struct {
	cache *lru.Cache
	mu    sync.Mutex
	now   func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{cache: cache, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, found := c.cache.Get(key)
	if !found {
		return "", false, nil
	}

	entry := val.(cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.cache.Remove(key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, cacheEntry{value: value, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) HealthCheck(context.Context) error { return nil }

func (c *MemoryCache) Close() error {
	c.cache.Purge()
	return nil
}

// NoopCache disables caching: every lookup misses.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (NoopCache) Get(context.Context, string) (string, bool, error) { return "", false, nil }

func (NoopCache) SetWithTTL(context.Context, string, string, time.Duration) error { return nil }

func (NoopCache) HealthCheck(context.Context) error { return nil }

func (NoopCache) Close() error { return nil }
