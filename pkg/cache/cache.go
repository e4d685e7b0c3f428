// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a sharded concurrent cache with access-based expiry
// and a bounded size.
package cache

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"
)

const defaultShardCount = 64

// entry wraps a value with its last access time (unix nanos).
type entry[V any] struct {
	value      V
	lastAccess atomic.Int64
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*entry[V]
}

// Cache is a concurrent cache with lock striping.
//
// Entries expire once they have not been read for the configured expiry.
// When a max size is set, the least recently accessed entry is evicted to
// make room for a new one.
//
//	c := cache.New(ctx,
//	    cache.WithMaxSize[quota.Key, quota.Limits](10_000),
//	    cache.WithExpiry[quota.Key, quota.Limits](30*time.Minute),
//	)
type Cache[K comparable, V any] struct {
	shards []shard[K, V]
	seed   maphash.Seed
	size   atomic.Int64

	loadFunc func(ctx context.Context, key K) (V, error)

	maxSize int
	expiry  time.Duration
	now     func() time.Time

	cleanupTimer *time.Timer
	stopOnce     sync.Once
	stopped      chan struct{}
}

// Option configures a Cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithMaxSize bounds the total number of entries.
func WithMaxSize[K comparable, V any](maxSize int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxSize = maxSize
	}
}

// WithExpiry sets the idle duration after which an entry is dropped.
func WithExpiry[K comparable, V any](expiry time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.expiry = expiry
	}
}

// WithNumShards sets the number of shards for lock striping.
func WithNumShards[K comparable, V any](numShards int) Option[K, V] {
	return func(c *Cache[K, V]) {
		if numShards < 1 {
			numShards = 1
		}
		c.shards = make([]shard[K, V], numShards)
	}
}

// WithLoadFunc sets the loader GetOrLoad uses on a miss.
func WithLoadFunc[K comparable, V any](loadFunc func(ctx context.Context, key K) (V, error)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.loadFunc = loadFunc
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = now
	}
}

// New creates a Cache. A background cleanup runs while ctx is alive and
// expiry is set; call Stop to end it earlier.
func New[K comparable, V any](ctx context.Context, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		shards:  make([]shard[K, V], defaultShardCount),
		seed:    maphash.MakeSeed(),
		now:     time.Now,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i].m = make(map[K]*entry[V])
	}

	if c.expiry > 0 {
		c.cleanupTimer = time.AfterFunc(c.expiry, c.runCleanup)
		if ctx != nil {
			context.AfterFunc(ctx, c.Stop)
		}
	}
	return c
}

func (c *Cache[K, V]) runCleanup() {
	c.Cleanup()
	select {
	case <-c.stopped:
	default:
		c.cleanupTimer.Reset(c.expiry)
	}
}

// Stop ends the background cleanup. It is safe to call more than once.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.cleanupTimer != nil {
			c.cleanupTimer.Stop()
		}
	})
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	h := maphash.Comparable(c.seed, key)
	return &c.shards[h%uint64(len(c.shards))]
}

func (c *Cache[K, V]) expired(e *entry[V], now int64) bool {
	return c.expiry > 0 && now-e.lastAccess.Load() > c.expiry.Nanoseconds()
}

// Get returns the cached value and refreshes its access time.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()

	now := c.now().UnixNano()
	if !ok || c.expired(e, now) {
		var zero V
		return zero, false
	}
	e.lastAccess.Store(now)
	return e.value, true
}

// GetOrLoad returns the cached value or loads, stores and returns it.
// Loader errors are returned as is and nothing is cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	var zero V
	if c.loadFunc == nil {
		return zero, nil
	}
	v, err := c.loadFunc(ctx, key)
	if err != nil {
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

// Set adds or replaces a value.
func (c *Cache[K, V]) Set(key K, value V) {
	e := &entry[V]{value: value}
	e.lastAccess.Store(c.now().UnixNano())

	s := c.shardFor(key)
	s.mu.Lock()
	_, existed := s.m[key]
	s.m[key] = e
	s.mu.Unlock()

	if !existed {
		if n := c.size.Add(1); c.maxSize > 0 && n > int64(c.maxSize) {
			c.evictOldest(key)
		}
	}
}

// evictOldest drops the least recently accessed entry other than keep.
func (c *Cache[K, V]) evictOldest(keep K) {
	var (
		oldestKey  K
		oldestTime int64
		found      bool
	)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k, e := range s.m {
			if k == keep {
				continue
			}
			if t := e.lastAccess.Load(); !found || t < oldestTime {
				oldestKey, oldestTime, found = k, t, true
			}
		}
		s.mu.RUnlock()
	}
	if found {
		c.Delete(oldestKey)
	}
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(key K) {
	s := c.shardFor(key)
	s.mu.Lock()
	if _, ok := s.m[key]; ok {
		delete(s.m, key)
		c.size.Add(-1)
	}
	s.mu.Unlock()
}

// Cleanup removes every expired entry.
func (c *Cache[K, V]) Cleanup() {
	if c.expiry <= 0 {
		return
	}
	now := c.now().UnixNano()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.m {
			if c.expired(e, now) {
				delete(s.m, k)
				c.size.Add(-1)
			}
		}
		s.mu.Unlock()
	}
}

// Size returns the number of stored entries, expired ones included until cleanup.
func (c *Cache[K, V]) Size() int {
	return int(c.size.Load())
}
