package apiclient

import (
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

const (
	// DefaultCacheTTL is how long a cached response stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheSize is the maximum number of cached responses per cache.
	DefaultCacheSize = 1000
)

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
}

type cacheConfig struct {
	now     func() time.Time
	metrics *Metrics
}

// CacheOption is a functional option for configuring a ResponseCache.
type CacheOption func(*cacheConfig)

// WithCacheClock replaces time.Now for freshness checks.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *cacheConfig) {
		c.now = now
	}
}

// WithCacheMetrics records hits, misses and invalidations.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *cacheConfig) {
		c.metrics = m
	}
}

// ResponseCache is a bounded in-memory cache of responses keyed by request fingerprint.
// An entry is fresh while now - storedAt < ttl; stale entries are removed on read.
// Concurrent writes to the same key are last-write-wins.
type ResponseCache[V any] struct {
	name    string
	ttl     time.Duration
	cache   *otter.Cache[string, cacheEntry[V]]
	now     func() time.Time
	metrics *Metrics
}

// NewResponseCache creates a cache. Non-positive ttl and maxSize use the defaults.
func NewResponseCache[V any](name string, ttl time.Duration, maxSize int, opts ...CacheOption) *ResponseCache[V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}

	cfg := &cacheConfig{now: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}

	return &ResponseCache[V]{
		name: name,
		ttl:  ttl,
		cache: otter.Must(&otter.Options[string, cacheEntry[V]]{
			MaximumSize:      maxSize,
			ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry[V]](ttl),
		}),
		now:     cfg.now,
		metrics: cfg.metrics,
	}
}

// Get returns the fresh value stored under key.
func (c *ResponseCache[V]) Get(key string) (V, bool) {
	var zero V

	entry, ok := c.cache.GetIfPresent(key)
	if ok && c.now().Sub(entry.storedAt) >= c.ttl {
		c.cache.Invalidate(key)
		ok = false
	}
	c.metrics.recordCacheLookup(c.name, ok)

	if !ok {
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key, replacing any previous entry.
func (c *ResponseCache[V]) Set(key string, value V) {
	c.cache.Set(key, cacheEntry[V]{value: value, storedAt: c.now()})
}

// Invalidate removes every entry whose key contains pattern. An empty pattern clears
// the cache.
func (c *ResponseCache[V]) Invalidate(pattern string) {
	c.metrics.recordInvalidation(c.name)

	if pattern == "" {
		c.cache.InvalidateAll()
		return
	}

	var matched []string
	for key := range c.cache.All() {
		if strings.Contains(key, pattern) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.cache.Invalidate(key)
	}
}

// Len returns the number of entries currently held, fresh or not.
func (c *ResponseCache[V]) Len() int {
	return c.cache.EstimatedSize()
}

// Fingerprint returns the cache key of a request: the method, the resolved URL and the
// query encoded with sorted keys, so parameter order does not matter.
//
// Example:
//
//	apiclient.Fingerprint("GET", "https://api.example.com/users", url.Values{"page": {"2"}})
//	// "GET https://api.example.com/users?page=2"
func Fingerprint(method, target string, query url.Values) string {
	key := strings.ToUpper(method) + " " + target
	if len(query) > 0 {
		key += "?" + query.Encode()
	}
	return key
}
