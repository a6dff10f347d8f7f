package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/metar-service/internal/models"
)

// Cache defines the interface for observation caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL.
// GetStale ignores the TTL and returns data fetched no longer than maxStaleAge ago.
type Cache interface {
	Get(ctx context.Context, key string) (models.Observation, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Observation, bool, error)
	Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Expired entries are kept for the retention period so GetStale can serve them.
type InMemoryCache struct {
	mu        sync.Mutex
	data      map[string]cacheEntry
	clock     clockwork.Clock
	retention time.Duration
}

// cacheEntry stores a cached observation with expiration timestamp.
type cacheEntry struct {
	value     models.Observation
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance. Entries are dropped
// once they have been expired for longer than retention. A nil clock uses the real clock.
func NewInMemoryCache(clock clockwork.Clock, retention time.Duration) *InMemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &InMemoryCache{
		data:      make(map[string]cacheEntry),
		clock:     clock,
		retention: retention,
	}
}

// Get retrieves the cached observation for the key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(key)
	if !ok || c.clock.Now().After(entry.expiresAt) {
		return models.Observation{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry regardless of TTL while its FetchedAt is within maxStaleAge.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Observation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookup(key)
	if !ok || c.clock.Since(entry.value.FetchedAt) > maxStaleAge {
		return models.Observation{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores the observation with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of retained entries, including expired ones.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// lookup must be called with mu held. Entries past retention are deleted.
func (c *InMemoryCache) lookup(key string) (cacheEntry, bool) {
	entry, ok := c.data[key]
	if !ok {
		return cacheEntry{}, false
	}
	if c.clock.Now().After(entry.expiresAt.Add(c.retention)) {
		delete(c.data, key)
		return cacheEntry{}, false
	}
	return entry, true
}
