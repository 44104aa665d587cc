package infra

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// NoExpiration keeps an entry until it is invalidated explicitly.
const NoExpiration = gocache.NoExpiration

// Cache is a thread-safe in-process cache with TTL and explicit
// invalidation. It is injected into the components that memoise upstream
// tables instead of living as a package-level global.
type Cache struct {
	store *gocache.Cache
}

// NewCache creates a new cache with the given default TTL.
// A ttl of NoExpiration keeps entries for the life of the cache.
func NewCache(ttl time.Duration) *Cache {
	cleanup := 10 * time.Minute
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}
	return &Cache{store: gocache.New(ttl, cleanup)}
}

// Get retrieves a value from the cache. Returns nil, false if not found or expired.
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Set stores a value in the cache with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.store.Set(key, value, gocache.DefaultExpiration)
}

// Invalidate removes a key from the cache.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

