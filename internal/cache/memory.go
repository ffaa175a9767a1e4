package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process core.Cache, used in tests and when redis is
// not configured. Dedup locks held here do not survive a restart.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	// Fail makes every call return this error, for cache-outage tests.
	Fail error
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return "", c.Fail
	}
	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		delete(c.entries, key)
		return "", nil
	}
	return e.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return false, c.Fail
	}
	if e, ok := c.entries[key]; ok && (e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)) {
		return false, nil
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	delete(c.entries, key)
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
