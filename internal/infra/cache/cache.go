// Package cache provides a simple in-memory TTL cache.
// Entries slide: every Get of a live entry extends its expiry, so the entry
// with the earliest expiry is also the least recently used one.
package cache

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a thread-safe in-memory cache with TTL.
type InMemory[T any] struct {
	mu      sync.Mutex
	items   map[string]entry[T]
	ttl     time.Duration
	max     int
	onEvict func(key string, value T)
	done    chan struct{}
	once    sync.Once
}

// Option configures an InMemory cache.
type Option[T any] func(*InMemory[T])

// WithEvictHook registers fn to run, outside the lock, for every entry that
// expires, is deleted or is replaced.
func WithEvictHook[T any](fn func(key string, value T)) Option[T] {
	return func(c *InMemory[T]) { c.onEvict = fn }
}

// WithMaxEntries bounds the cache to n entries. Adding a new key to a full
// cache evicts the least recently used entry. Zero means unbounded.
func WithMaxEntries[T any](n int) Option[T] {
	return func(c *InMemory[T]) { c.max = n }
}

// New creates a new in-memory cache with the given TTL.
func New[T any](ttl time.Duration, opts ...Option[T]) *InMemory[T] {
	c := &InMemory[T]{
		items: make(map[string]entry[T]),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *InMemory[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	e.expiresAt = time.Now().Add(c.ttl)
	c.items[key] = e
	return e.value, true
}

// Set stores a value in the cache with the configured TTL.
func (c *InMemory[T]) Set(key string, value T) {
	c.mu.Lock()
	old, existed := c.items[key]
	var dropped map[string]T
	if !existed {
		dropped = c.makeRoomLocked()
	}
	c.items[key] = entry[T]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	if existed {
		c.evict(key, old.value)
	}
	c.evictAll(dropped)
}

// GetOrCreate returns the live value for key or stores the one built by create.
// create runs under the cache lock and must not call back into the cache.
func (c *InMemory[T]) GetOrCreate(key string, create func() T) T {
	c.mu.Lock()
	now := time.Now()
	e, ok := c.items[key]
	var stale *entry[T]
	if ok && now.After(e.expiresAt) {
		stale = &e
		ok = false
	}
	var dropped map[string]T
	if !ok {
		if stale == nil {
			dropped = c.makeRoomLocked()
		}
		e = entry[T]{value: create()}
	}
	e.expiresAt = now.Add(c.ttl)
	c.items[key] = e
	c.mu.Unlock()

	if stale != nil {
		c.evict(key, stale.value)
	}
	c.evictAll(dropped)
	return e.value
}

// Delete removes a value from the cache.
func (c *InMemory[T]) Delete(key string) {
	c.mu.Lock()
	old, existed := c.items[key]
	delete(c.items, key)
	c.mu.Unlock()

	if existed {
		c.evict(key, old.value)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemory[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the cleanup goroutine and evicts every entry.
func (c *InMemory[T]) Close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		items := c.items
		c.items = make(map[string]entry[T])
		c.mu.Unlock()

		for k, e := range items {
			c.evict(k, e.value)
		}
	})
}

// makeRoomLocked removes least recently used entries until one more fits.
func (c *InMemory[T]) makeRoomLocked() map[string]T {
	if c.max <= 0 || len(c.items) < c.max {
		return nil
	}
	dropped := make(map[string]T)
	for len(c.items) >= c.max {
		var oldestKey string
		var oldest time.Time
		first := true
		for k, e := range c.items {
			if first || e.expiresAt.Before(oldest) {
				oldestKey, oldest, first = k, e.expiresAt, false
			}
		}
		dropped[oldestKey] = c.items[oldestKey].value
		delete(c.items, oldestKey)
	}
	return dropped
}

func (c *InMemory[T]) evictAll(items map[string]T) {
	for k, v := range items {
		c.evict(k, v)
	}
}

func (c *InMemory[T]) evict(key string, value T) {
	if c.onEvict != nil {
		c.onEvict(key, value)
	}
}

// cleanup periodically removes expired entries.
func (c *InMemory[T]) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		now := time.Now()
		expired := make(map[string]T)
		for k, v := range c.items {
			if now.After(v.expiresAt) {
				expired[k] = v.value
				delete(c.items, k)
			}
		}
		c.mu.Unlock()

		for k, v := range expired {
			c.evict(k, v)
		}
	}
}
