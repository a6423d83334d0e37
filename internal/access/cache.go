package access

import (
	"context"
	"sync"
	"time"
)

// Cache stores resolved permission sets keyed by principal id.
type Cache interface {
	Get(ctx context.Context, userID string) (PermissionSet, bool)
	Set(ctx context.Context, userID string, set PermissionSet, ttl time.Duration)
	Delete(ctx context.Context, userID string)
}

type memoryEntry struct {
	set       PermissionSet
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache for single-replica deployments.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryCache builds an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (PermissionSet, bool) {
	c.mu.RLock()
	entry, ok := c.items[userID]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.set, true
}

func (c *MemoryCache) Set(_ context.Context, userID string, set PermissionSet, ttl time.Duration) {
	c.mu.Lock()
	c.items[userID] = memoryEntry{set: set, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Delete(_ context.Context, userID string) {
	c.mu.Lock()
	delete(c.items, userID)
	c.mu.Unlock()
}

// Purge drops expired entries. Safe to run from a background ticker.
func (c *MemoryCache) Purge() {
	now := c.now()
	c.mu.Lock()
	for k, entry := range c.items {
		if now.After(entry.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
