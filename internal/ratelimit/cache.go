package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// SnapshotTTL applies to account/location listing responses.
	SnapshotTTL = 24 * time.Hour
	// DefaultTTL is the generic fallback for everything else.
	DefaultTTL = 30 * time.Minute
)

// Cache is a generic TTL response cache keyed by request signature.
type Cache struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewCache creates the cache with automatic expired-entry cleanup.
func NewCache() *Cache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []byte](DefaultTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)

	// Start the cleanup process
	go cache.Start()

	return &Cache{cache: cache}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	item := c.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set stores value under key for ttl. A non-positive ttl uses DefaultTTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.cache.Set(key, value, ttl)
}

// Clear removes a single key.
func (c *Cache) Clear(key string) {
	c.cache.Delete(key)
}

// Stop halts the cleanup goroutine.
func (c *Cache) Stop() {
	c.cache.Stop()
}

// RequestKey derives a deterministic hash of the full request signature so
// distinct requests never collide and identical requests always hit. Query
// encoding sorts keys, making the representation canonical.
func RequestKey(businessID, method, endpoint string, body []byte, query url.Values) string {
	h := sha256.New()
	h.Write([]byte(businessID))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(query.Encode()))
	return hex.EncodeToString(h.Sum(nil))
}
