package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"anti_vpn/pkg/cache"
	"anti_vpn/pkg/metrics"
)

// cacheKey is satisfied by data.CacheKey and uuid.UUID.
type cacheKey interface {
	comparable
	String() string
}

// LoaderFunc computes the value for a missing key.
type LoaderFunc[K cacheKey, V any] func(ctx context.Context, key K) (V, error)

// ResultCache maps a key to a computed verdict. Entries expire the TTL after
// they were written and the TTL after they were last read, whichever is
// sooner. Misses go through the loader; concurrent misses for one key share
// a single load, and failed loads are not cached. A load overtaken by a Put
// or Invalidate of its key is returned to its callers but not cached.
type ResultCache[K cacheKey, V any] struct {
	entries *cache.TTLMap[K, V]
	loader  LoaderFunc[K, V]
	group   singleflight.Group
	metrics *metrics.Metrics

	// loading holds the keys with a load in flight, set to true once the
	// key was written while loading.
	mu      sync.Mutex
	loading map[K]bool
}

// NewResultCache returns an empty cache.
func NewResultCache[K cacheKey, V any](limit uint32, ttl time.Duration, loader LoaderFunc[K, V], m *metrics.Metrics) *ResultCache[K, V] {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &ResultCache[K, V]{
		entries: cache.New[K, V](limit, ttl, ttl),
		loader:  loader,
		metrics: m,
		loading: make(map[K]bool),
	}
}

// Get returns the cached value, loading it on a miss.
func (c *ResultCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.entries.Get(key); ok {
		c.metrics.CacheHits.Add(1)
		return v, nil
	}
	c.metrics.CacheMisses.Add(1)

	res, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// Another load may have finished between the miss and here.
		if v, ok := c.entries.Get(key); ok {
			return v, nil
		}
		c.beginLoad(key)
		v, err := c.loader(ctx, key)
		c.endLoad(key, v, err == nil)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
	if err != nil {
		return *new(V), err
	}
	return res.(V), nil
}

func (c *ResultCache[K, V]) beginLoad(key K) {
	c.mu.Lock()
	c.loading[key] = false
	c.mu.Unlock()
}

// endLoad caches a successful load unless the key was written meanwhile.
func (c *ResultCache[K, V]) endLoad(key K, v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	overtaken := c.loading[key]
	delete(c.loading, key)
	if ok && !overtaken {
		c.entries.Put(key, v)
	}
}

// touch marks an in-flight load of key as stale.
func (c *ResultCache[K, V]) touch(key K) {
	c.mu.Lock()
	if _, ok := c.loading[key]; ok {
		c.loading[key] = true
	}
	c.mu.Unlock()
}

// GetIfPresent returns the cached value without loading.
func (c *ResultCache[K, V]) GetIfPresent(key K) (V, bool) {
	return c.entries.Get(key)
}

// Put overwrites the entry for key without going through the loader.
func (c *ResultCache[K, V]) Put(key K, value V) {
	c.touch(key)
	c.entries.Put(key, value)
}

// Invalidate removes the given keys.
func (c *ResultCache[K, V]) Invalidate(keys ...K) {
	for _, k := range keys {
		c.touch(k)
		c.entries.Delete(k)
	}
}

// EvictExpired drops expired entries and returns how many were removed.
func (c *ResultCache[K, V]) EvictExpired() uint32 {
	return c.entries.EvictExpired()
}

// HitRatio returns the percentage of lookups that found a live entry.
func (c *ResultCache[K, V]) HitRatio() float64 {
	return c.entries.HitRatio()
}

// Len returns the number of entries held.
func (c *ResultCache[K, V]) Len() uint32 {
	return c.entries.Len()
}
