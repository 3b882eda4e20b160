// Package cache provides a bounded map whose entries expire a fixed time
// after they were written and a shorter time after they were last read,
// whichever comes first.
package cache

import (
	"sync"
	"time"

	"github.com/decred/dcrd/container/lru"
)

type entry[V any] struct {
	value   V
	written time.Time
}

// TTLMap is a size bounded LRU map with hybrid write and access expiration.
// A zero TTL disables that kind of expiration.
type TTLMap[K comparable, V any] struct {
	// mu makes the read-then-extend sequence in Get and the check-then-put
	// sequence in PutIfAbsent atomic. The underlying map is itself safe.
	mu        sync.Mutex
	items     *lru.Map[K, entry[V]]
	writeTTL  time.Duration
	accessTTL time.Duration
}

// New returns an empty map holding at most limit entries.
func New[K comparable, V any](limit uint32, writeTTL, accessTTL time.Duration) *TTLMap[K, V] {
	return &TTLMap[K, V]{
		items:     lru.NewMap[K, entry[V]](limit),
		writeTTL:  writeTTL,
		accessTTL: accessTTL,
	}
}

// ttlFor returns how long an entry written at the given time may live from
// now on, and false when it has already outlived its write TTL.
func (m *TTLMap[K, V]) ttlFor(written, now time.Time) (time.Duration, bool) {
	ttl := m.accessTTL
	if m.writeTTL > 0 {
		remaining := m.writeTTL - now.Sub(written)
		if remaining <= 0 {
			return 0, false
		}
		if ttl == 0 || remaining < ttl {
			ttl = remaining
		}
	}
	return ttl, true
}

// Get returns the value for key and restarts its access window.
func (m *TTLMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items.Get(key)
	if !ok {
		return *new(V), false
	}

	ttl, alive := m.ttlFor(e.written, time.Now())
	if !alive {
		m.items.Delete(key)
		return *new(V), false
	}
	if m.accessTTL > 0 {
		m.items.PutWithTTL(key, e, ttl)
	}
	return e.value, true
}

// Put stores value under key, resetting both expiration windows.
func (m *TTLMap[K, V]) Put(key K, value V) {
	m.mu.Lock()
	m.put(key, value)
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) put(key K, value V) {
	now := time.Now()
	ttl, _ := m.ttlFor(now, now)
	m.items.PutWithTTL(key, entry[V]{value: value, written: now}, ttl)
}

// PutIfAbsent stores value only when key holds no live entry. It reports
// whether the value was stored. A live entry counts as accessed and its
// access window restarts. The check and the insert happen atomically.
func (m *TTLMap[K, V]) PutIfAbsent(key K, value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items.Peek(key); ok {
		if ttl, alive := m.ttlFor(e.written, time.Now()); alive {
			if m.accessTTL > 0 {
				m.items.PutWithTTL(key, e, ttl)
			}
			return false
		}
	}
	m.put(key, value)
	return true
}

// Delete removes key if present.
func (m *TTLMap[K, V]) Delete(key K) {
	m.mu.Lock()
	m.items.Delete(key)
	m.mu.Unlock()
}

// Len returns the number of entries, including expired entries not yet evicted.
func (m *TTLMap[K, V]) Len() uint32 {
	return m.items.Len()
}

// EvictExpired removes every expired entry and returns how many were removed.
func (m *TTLMap[K, V]) EvictExpired() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.EvictExpiredNow()
}

// Clear removes all entries.
func (m *TTLMap[K, V]) Clear() {
	m.mu.Lock()
	m.items.Clear()
	m.mu.Unlock()
}

// HitRatio returns the percentage of lookups that found a live entry.
func (m *TTLMap[K, V]) HitRatio() float64 {
	return m.items.HitRatio()
}
