// Package cache keeps short-lived facts keyed by session: tombstones of ended
// calls, ids of records already handed to history, views of finished calls.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Expiring is a threadsafe map whose entries vanish ttl after they were
// written. Writers drop expired entries at most once per ttl, so there is no
// sweep goroutine to stop.
type Expiring[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[K]entry[V]
	nextSweep time.Time
}

func New[K comparable, V any](ttl time.Duration) *Expiring[K, V] {
	return &Expiring[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

func (c *Expiring[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, replacing a live entry and restarting its ttl.
func (c *Expiring[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Add stores value only if key has no live entry and reports whether it did.
// The first writer wins until the entry expires.
func (c *Expiring[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
	return true
}

// Forget drops key whether or not it expired.
func (c *Expiring[K, V]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts live entries.
func (c *Expiring[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

func (c *Expiring[K, V]) sweepLocked(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.nextSweep = now.Add(c.ttl)
}
