// Package cache provides the best-effort in-memory caches used on the request
// path. Entries expire on read; there is no background sweeper. When a cache
// grows past its size limit it is cleared wholesale.
package cache

import (
	"sync"
	"time"

	"eyeweb/internal/support"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
type TTL[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	ttl        time.Duration
	maxEntries int
	clock      support.Clock
}

// New builds a cache. maxEntries <= 0 disables the size limit.
func New[V any](ttl time.Duration, maxEntries int, clock support.Clock) *TTL[V] {
	return &TTL[V]{
		entries:    make(map[string]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      support.ClockOrSystem(clock),
	}
}

func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Add stores value only when key has no live entry and reports whether it did.
func (c *TTL[V]) Add(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.clock.Now().Before(e.expires) {
		return false
	}
	c.setLocked(key, value)
	return true
}

func (c *TTL[V]) setLocked(key string, value V) {
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]entry[V])
	}
	c.entries[key] = entry[V]{value: value, expires: c.clock.Now().Add(c.ttl)}
}

func (c *TTL[V]) Delete(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
}

// DeleteFunc removes every entry whose key satisfies match.
func (c *TTL[V]) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Keys returns the keys of live entries.
func (c *TTL[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	keys := make([]string, 0, len(c.entries))
	for key, e := range c.entries {
		if now.Before(e.expires) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len counts stored entries, including expired ones not yet read.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}
