package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is the freshness window used when no WithTTL option is given.
const DefaultTTL = 5 * time.Minute

// Fetcher produces the value for a key on a cache miss. It is invoked at
// most once per flight regardless of how many callers are waiting.
type Fetcher[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// flight is the shared completion handle for one in-flight fetch. val and
// err are written exactly once, before done is closed.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// config holds the resolved configuration for a Cache.
type config struct {
	ttl   time.Duration
	clock func() time.Time
}

// Option configures a Cache.
type Option func(*config)

// WithTTL sets the default freshness window for entries. A value <= 0
// disables reuse of completed results.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.clock = now }
}

// Cache is a keyed TTL cache with single-flight request coalescing. The zero
// value is not usable; construct with New.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	flights map[K]*flight[V]
	cfg     config

	hits        atomic.Int64
	misses      atomic.Int64
	coalesced   atomic.Int64
	staleServed atomic.Int64
}

// New returns a new Cache.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	cfg := config{ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
		flights: make(map[K]*flight[V]),
		cfg:     cfg,
	}
}

func (c *Cache[K, V]) fresh(e entry[V], ttl time.Duration) bool {
	return ttl > 0 && c.cfg.clock().Sub(e.insertedAt) < ttl
}

// Get returns the cached value for key if fresh, otherwise coalesces all
// concurrent callers onto a single fetch. See GetWithTTL.
func (c *Cache[K, V]) Get(ctx context.Context, key K, fetch Fetcher[V]) (V, error) {
	return c.GetWithTTL(ctx, key, c.cfg.ttl, fetch)
}

// GetWithTTL is Get with an explicit freshness window for this lookup.
//
// On a fresh hit the value is returned immediately with only a read lock
// taken. On a miss, the caller either joins the pending fetch for key or
// registers a new one; the fetch runs outside the lock in its own goroutine.
// If the fetch fails and a stale entry exists, the stale value is returned
// as a degraded result instead of the error.
func (c *Cache[K, V]) GetWithTTL(ctx context.Context, key K, ttl time.Duration, fetch Fetcher[V]) (V, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.fresh(e, ttl) {
		c.hits.Add(1)
		return e.value, nil
	}

	c.mu.Lock()
	// Re-check under the write lock: a fetch may have completed between
	// the read above and here.
	if e, ok := c.entries[key]; ok && c.fresh(e, ttl) {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.value, nil
	}
	f, ok := c.flights[key]
	if ok {
		c.coalesced.Add(1)
	} else {
		f = &flight[V]{done: make(chan struct{})}
		c.flights[key] = f
		c.misses.Add(1)
		go c.run(context.WithoutCancel(ctx), key, f, fetch)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		// Detach from the flight; it keeps running for the other waiters.
		var zero V
		return zero, ctx.Err()
	}

	if f.err == nil {
		return f.val, nil
	}

	c.mu.RLock()
	stale, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.staleServed.Add(1)
		return stale.value, nil
	}
	var zero V
	return zero, f.err
}

// run executes one fetch and resolves the flight. The registry entry is
// removed in the same critical section that publishes the result, so a
// retry after failure always starts a brand-new flight.
func (c *Cache[K, V]) run(ctx context.Context, key K, f *flight[V], fetch Fetcher[V]) {
	val, err := func() (v V, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cache: fetch panicked: %v", r)
			}
		}()
		return fetch(ctx)
	}()

	c.mu.Lock()
	if err == nil {
		c.entries[key] = entry[V]{value: val, insertedAt: c.cfg.clock()}
	}
	delete(c.flights, key)
	f.val, f.err = val, err
	c.mu.Unlock()
	close(f.done)
}

// Set stores value for key with a fresh timestamp, replacing any existing
// entry. Used for write-through updates that should not trigger a re-fetch.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.cfg.clock()}
	c.mu.Unlock()
}

// Invalidate removes the entry for key. An in-flight fetch for the key is
// unaffected and will populate a fresh entry on completion.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll removes every entry. In-flight fetches are unaffected.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, fresh or stale.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Coalesced   int64
	StaleServed int64
}

// Stats returns current counters. Hits are fresh-entry returns, Misses are
// flights started, Coalesced are callers that attached to an existing
// flight, StaleServed are degraded stale-fallback returns.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Coalesced:   c.coalesced.Load(),
		StaleServed: c.staleServed.Load(),
	}
}
