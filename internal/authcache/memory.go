package authcache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-node deployments, dev runs,
// and tests. Expired entries are purged opportunistically on every access.
type MemoryCache struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache constructs an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(time.Now)
}

// NewMemoryCacheWithClock constructs a cache whose expiry decisions follow the
// given time source. Tests use it to simulate TTL passage.
func NewMemoryCacheWithClock(now func() time.Time) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Set stores value under key until ttl elapses.
func (cache *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	cache.entries[key] = memoryEntry{value: stored, expiresAt: cache.now().Add(ttl)}
	return nil
}

// Get returns the live value for key or ErrCacheMiss.
func (cache *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	entry, ok := cache.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (cache *MemoryCache) Delete(ctx context.Context, key string) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	delete(cache.entries, key)
	return nil
}

// GetDelete atomically fetches and removes key. The mutex spans both steps,
// so exactly one of any number of concurrent callers wins.
func (cache *MemoryCache) GetDelete(ctx context.Context, key string) ([]byte, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.purgeExpiredLocked()
	entry, ok := cache.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	delete(cache.entries, key)
	return entry.value, nil
}

func (cache *MemoryCache) purgeExpiredLocked() {
	if len(cache.entries) == 0 {
		return
	}
	now := cache.now()
	for key, entry := range cache.entries {
		if now.After(entry.expiresAt) {
			delete(cache.entries, key)
		}
	}
}
