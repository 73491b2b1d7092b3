// Package listcache provides a short-lived TTL-bounded memoization of
// directory listings keyed by normalized path.
package listcache

import (
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Cache memoizes directory listings. The zero value is not usable; use New.
type Cache struct {
	db  *cache.Cache
	ttl time.Duration
}

// New returns a Cache whose entries expire after ttl. A background purge
// sweep runs at ttl (go-cache's cleanupInterval); between sweeps Get never
// returns an expired entry and deletes one it looks up.
func New(ttl time.Duration) *Cache {
	return &Cache{
		db:  cache.New(ttl, ttl),
		ttl: ttl,
	}
}

// Get returns the cached listing for path if it was stored less than ttl
// ago. On expiry it deletes the entry and returns (nil, false).
func (c *Cache) Get(path string) ([]string, bool) {
	v, found := c.db.Get(path)
	if !found {
		// go-cache reports an expired-but-unswept item as not found; drop
		// it now rather than waiting for the janitor.
		c.db.Delete(path)
		return nil, false
	}

	return v.([]string), true
}

// Put replaces the listing cached for path.
func (c *Cache) Put(path string, names []string) {
	c.db.Set(path, names, cache.DefaultExpiration)
}

// Invalidate removes path's entry. If deep is true, it also removes every
// entry whose path begins with path + "/".
func (c *Cache) Invalidate(path string, deep bool) {
	c.db.Delete(path)

	if !deep {
		return
	}

	prefix := strings.TrimSuffix(path, "/") + "/"

	for key := range c.db.Items() {
		if strings.HasPrefix(key, prefix) {
			c.db.Delete(key)
		}
	}
}
