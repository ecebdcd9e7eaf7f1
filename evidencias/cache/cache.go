// Package cache provides a small TTL read cache for query results that are
// rebuilt on every page view but change rarely.
package cache

import (
	"sync"
	"time"
)

type TTLCache[T any] struct {
	mu  sync.Mutex
	ttl time.Duration

	value    T
	loadedAt time.Time
	valid    bool
}

func New[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{ttl: ttl}
}

// Get returns the cached value if it is still fresh, otherwise it calls
// load and caches the result. A load error is returned as-is and nothing
// is cached.
func (c *TTLCache[T]) Get(load func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && time.Since(c.loadedAt) < c.ttl {
		return c.value, nil
	}

	value, err := load()
	if err != nil {
		var zero T
		return zero, err
	}

	c.value = value
	c.loadedAt = time.Now()
	c.valid = true
	return value, nil
}

// Invalidate drops the cached value so the next Get reloads. Writes call
// this so readers never see a stale listing after their own change.
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	c.value = zero
	c.valid = false
}
