package calrelay

import (
	"context"
	"sync"
	"time"
)

// SharedCache is the shared key-value store concurrent relay instances use to
// coordinate. The only mutable state shared across instances lives here; all
// other state is owned by the remote systems.
type SharedCache interface {
	// Get returns the value for key, with false when the key is absent or
	// expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent stores value only when key has no live entry, returning
	// whether the write happened. This is the lock-acquire primitive.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

type memoryCacheEntry struct {
	value     string
	expiresAt time.Time
}

// InMemoryCache is a process-local SharedCache for tests and single-instance
// deployments. It provides no cross-process coordination.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		entries: map[string]memoryCacheEntry{},
		now:     time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveEntryLocked(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *InMemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{value: value, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *InMemoryCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.liveEntryLocked(key); ok {
		return false, nil
	}
	c.entries[key] = memoryCacheEntry{value: value, expiresAt: c.expiry(ttl)}
	return true, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) liveEntryLocked(key string) (memoryCacheEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryCacheEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return memoryCacheEntry{}, false
	}
	return entry, true
}

func (c *InMemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}
