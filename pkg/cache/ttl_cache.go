// Package cache provides a generic in-memory TTL cache.
//
// Every entry carries an expiry. Get never returns an expired entry, but
// expired entries stay in the map until EvictExpired is called; the owner
// decides when to sweep (the relay does it from its maintenance ticker) and
// gets the evicted keys back so it can release related state.
//
// Thread safety: guarded by a sync.RWMutex. Reads take the read lock only.
package cache

import (
	"sync"
	"time"

	"github.com/hirachand04/p2pchat/pkg"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a generic in-memory cache with a fixed time-to-live.
//
//	blocked := cache.New[string, struct{}](5*time.Minute, pkg.SystemClock)
//	blocked.Set("10.0.0.7", struct{}{})
//	_, ok := blocked.Get("10.0.0.7")
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	now     pkg.Clock
}

// New creates a TTLCache whose entries live for ttl measured on clock.
// A nil clock means the wall clock.
func New[K comparable, V any](ttl time.Duration, clock pkg.Clock) *TTLCache[K, V] {
	if clock == nil {
		clock = pkg.SystemClock
	}
	return &TTLCache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		now:     clock,
	}
}

// Get returns the value for key when present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// ExpiresAt reports when key expires. The zero time is returned for an
// absent or already expired key.
func (c *TTLCache[K, V]) ExpiresAt(key K) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return time.Time{}
	}
	return e.expiresAt
}

// Set stores value under key with a fresh TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// EvictExpired physically removes expired entries and returns their keys.
func (c *TTLCache[K, V]) EvictExpired() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var evicted []K
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}
