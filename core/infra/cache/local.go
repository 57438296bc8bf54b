package cache

import (
	"context"
	"sync"
	"time"
)

const defaultLocalMaxEntries = 4096

type localEntry struct {
	value     string
	expiresAt time.Time
}

// LocalCache is a bounded in-process TTL cache. It backs single-process
// deployments and serves as the degraded-mode fallback when the shared
// Redis cache is unreachable.
type LocalCache struct {
	mu         sync.Mutex
	entries    map[string]localEntry
	maxEntries int
	now        func() time.Time
}

// NewLocalCache constructs a bounded in-process cache. maxEntries <= 0
// selects the default bound.
func NewLocalCache(maxEntries int) *LocalCache {
	if maxEntries <= 0 {
		maxEntries = defaultLocalMaxEntries
	}
	return &LocalCache{
		entries:    make(map[string]localEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	c.entries[key] = localEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		return false, nil
	}
	c.evictLocked()
	c.entries[key] = localEntry{value: value, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *LocalCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// evictLocked drops expired entries first; if the cache is still full it
// drops the entry closest to expiry so writes always succeed.
func (c *LocalCache) evictLocked() {
	if len(c.entries) < c.maxEntries {
		return
	}
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.expiresAt.Before(oldest) {
				oldestKey = key
				oldest = entry.expiresAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
