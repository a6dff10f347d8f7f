package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/metar-service/internal/models"
)

const keyPrefix = "metar:"

// MemcachedCache implements Cache using memcached. Items live for ttl plus
// the stale retention; freshness is checked against the stored expiry.
type MemcachedCache struct {
	client    *memcache.Client
	clock     clockwork.Clock
	retention time.Duration
}

// memcachedItem is the JSON value stored per station.
type memcachedItem struct {
	Observation models.Observation `json:"observation"`
	ExpiresAt   time.Time          `json:"expiresAt"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, clock: clockwork.NewRealClock(), retention: retention}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

func (c *MemcachedCache) load(ctx context.Context, key string) (memcachedItem, bool, error) {
	if ctx.Err() != nil {
		return memcachedItem{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return memcachedItem{}, false, nil
		}
		return memcachedItem{}, false, err
	}
	var stored memcachedItem
	if err := json.Unmarshal(item.Value, &stored); err != nil {
		return memcachedItem{}, false, err
	}
	return stored, true, nil
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	stored, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Observation{}, false, err
	}
	if c.clock.Now().After(stored.ExpiresAt) {
		return models.Observation{}, false, nil
	}
	return stored.Observation, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Observation, bool, error) {
	stored, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Observation{}, false, err
	}
	if c.clock.Since(stored.Observation.FetchedAt) > maxStaleAge {
		return models.Observation{}, false, nil
	}
	return stored.Observation, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedItem{Observation: value, ExpiresAt: c.clock.Now().Add(ttl)})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl + c.retention),
	})
}

// expirationSeconds converts d to a memcached relative expiry. Values above
// 30 days would be read as a unix timestamp, so they fall back to 1h.
func expirationSeconds(d time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	expSec := int64(d.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		return 3600
	}
	return int32(expSec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
