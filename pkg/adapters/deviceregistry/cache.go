package deviceregistry

import (
	"context"
	"sync"
	"time"

	"github.com/carconnect/association-registry/pkg/association"
)

// cacheEntry holds a cached identity with its expiration and insertion time.
type cacheEntry struct {
	identity   *association.DeviceIdentity
	expiresAt  time.Time
	insertedAt time.Time
}

// IdentityCache is a thread-safe in-memory cache with TTL and max-size
// eviction for read-only device identity enrichment. When the cache is at
// capacity, the oldest entry (by insertion time) is evicted. Expired
// entries are lazily evicted on Get. Mutating operations must not read
// through the cache; they resolve against the store directly.
type IdentityCache struct {
	mu      sync.RWMutex
	items   map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

// NewIdentityCache creates a cache with the given maximum size and TTL.
func NewIdentityCache(maxSize int, ttl time.Duration) *IdentityCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &IdentityCache{
		items:   make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get retrieves a cached identity by serial number. Returns (nil, false)
// if the key is missing or expired.
func (c *IdentityCache) Get(serialNumber string) (*association.DeviceIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[serialNumber]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, serialNumber)
		return nil, false
	}
	return e.identity, true
}

// Set stores an identity. At capacity, the oldest entry is evicted first.
func (c *IdentityCache) Set(serialNumber string, identity *association.DeviceIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, ok := c.items[serialNumber]; !ok && len(c.items) >= c.maxSize {
		c.evictOldest()
	}
	c.items[serialNumber] = &cacheEntry{
		identity:   identity,
		expiresAt:  now.Add(c.ttl),
		insertedAt: now,
	}
}

// Invalidate removes a specific serial number from the cache.
func (c *IdentityCache) Invalidate(serialNumber string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, serialNumber)
}

// Size returns the number of entries currently cached, including expired
// ones not yet lazily cleaned.
func (c *IdentityCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// evictOldest removes the entry with the oldest insertedAt timestamp.
// Must be called with c.mu held.
func (c *IdentityCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.items, oldestKey)
	}
}

// CachedReader serves read-only identity enrichment through the cache,
// falling back to the store on miss.
type CachedReader struct {
	store *Store
	cache *IdentityCache
}

var _ association.DeviceIdentityReader = (*CachedReader)(nil)

// NewCachedReader creates a cached read-side view over the registry store.
func NewCachedReader(store *Store, maxSize int, ttl time.Duration) *CachedReader {
	return &CachedReader{
		store: store,
		cache: NewIdentityCache(maxSize, ttl),
	}
}

// GetBySerial returns the device identity for a serial number, from cache
// when fresh. Returns nil, nil when the device does not exist; negative
// results are not cached.
func (r *CachedReader) GetBySerial(ctx context.Context, serialNumber string) (*association.DeviceIdentity, error) {
	if identity, ok := r.cache.Get(serialNumber); ok {
		return identity, nil
	}
	identity, err := r.store.GetBySerial(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		r.cache.Set(serialNumber, identity)
	}
	return identity, nil
}

// Invalidate drops the cached identity for a serial number, used after a
// state transition or replacement touches the device.
func (r *CachedReader) Invalidate(serialNumber string) {
	r.cache.Invalidate(serialNumber)
}
