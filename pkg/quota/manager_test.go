// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tenants = []string{"t1"}
	return cfg
}

func TestManager_GetSeedsFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	key := NewKey("t1", "alice@example.com")

	_, err := store.UpsertOrCombine(ctx, "other", key, Diff{Quota: 7, Rate: 2}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	m := NewManager(testConfig(), store, WithInstanceID("me"))
	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 7, Rate: 2}, got)

	// presence row written for this instance without changing the total
	own, err := store.UpsertOrCombine(ctx, "me", key, Diff{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Aggregate{}, own)

	snap, ok := m.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, UserDiffs{LastQuota: 7, LastRate: 2}, snap)
}

func TestManager_GetFailsClosed(t *testing.T) {
	t.Parallel()
	store := newFaultyStore()
	store.failUpsert.Store(true)
	m := NewManager(testConfig(), store)

	_, err := m.Get(context.Background(), NewKey("t1", "alice@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, errStoreDown)

	_, ok := m.Snapshot(NewKey("t1", "alice@example.com"))
	assert.False(t, ok, "failed loads are not cached")
}

func TestManager_IncrementBeforeGet(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), NewMemoryStore())

	err := m.Increment(NewKey("t1", "alice@example.com"))
	assert.ErrorIs(t, err, ErrNotCached)

	err = m.Decrement(NewKey("unknown-tenant", "alice@example.com"))
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestManager_IncrementDecrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testConfig(), NewMemoryStore())
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, m.Increment(key))
	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, got)

	require.NoError(t, m.Decrement(key))
	got, err = m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 0}, got, "quota is never given back")
}

func TestManager_ConcurrentPairs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testConfig(), NewMemoryStore())
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)

	const workers, perWorker = 16, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, m.Increment(key))
				assert.NoError(t, m.Decrement(key))
			}
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: workers * perWorker, Rate: 0}, got)
}

func TestManager_ConcurrentPairsWithSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(testConfig(), store)
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)

	const workers, perWorker = 8, 200
	done := make(chan struct{})
	var syncer sync.WaitGroup
	syncer.Add(1)
	go func() {
		defer syncer.Done()
		for {
			select {
			case <-done:
				return
			default:
				assert.NoError(t, m.SyncGauges(ctx, "t1"))
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, m.Increment(key))
				assert.NoError(t, m.Decrement(key))
			}
		}()
	}
	wg.Wait()
	close(done)
	syncer.Wait()

	require.NoError(t, m.SyncGauges(ctx, "t1"))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: workers * perWorker, Rate: 0}, got)

	sum, err := store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: workers * perWorker, Rate: 0}, sum, "every diff persisted exactly once")
}

func TestManager_SyncSharesTotalsAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewManager(testConfig(), store, WithInstanceID("a"))
	b := NewManager(testConfig(), store, WithInstanceID("b"))
	key := NewKey("t1", "alice@example.com")

	_, err := a.Get(ctx, key)
	require.NoError(t, err)
	_, err = b.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, a.Increment(key))
	require.NoError(t, a.Increment(key))
	require.NoError(t, b.Increment(key))

	got, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, got, "b does not see a before a syncs")

	require.NoError(t, a.SyncGauges(ctx, "t1"))
	require.NoError(t, b.SyncGauges(ctx, "t1"))

	got, err = b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 3, Rate: 3}, got)

	require.NoError(t, a.SyncGauges(ctx, "t1"))
	got, err = a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 3, Rate: 3}, got)
}

func TestManager_SyncFailureKeepsDiffs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFaultyStore()
	m := NewManager(testConfig(), store, WithInstanceID("me"))
	key := NewKey("t1", "alice@example.com")

	_, err := store.MemoryStore.UpsertOrCombine(ctx, "other", key, Diff{Quota: 10, Rate: 4}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = m.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, m.Increment(key))
	require.NoError(t, m.Increment(key))
	require.NoError(t, m.Decrement(key))

	store.failUpsert.Store(true)
	err = m.SyncGauges(ctx, "t1")
	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Len(t, syncErr.Failed, 1)
	assert.ErrorIs(t, err, errStoreDown)

	// the local view is intact and the attempted diff waits for a retry
	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 12, Rate: 5}, got)
	assert.Equal(t, map[Key]Diff{key: {Quota: 2, Rate: 1}}, m.Pending("t1"))

	snap, _ := m.Snapshot(key)
	assert.Equal(t, UserDiffs{LastQuota: 12, LastRate: 5}, snap)

	// changes made while the store is down stack on top
	require.NoError(t, m.Increment(key))

	err = m.SyncGauges(ctx, "t1")
	require.Error(t, err)
	assert.Equal(t, map[Key]Diff{key: {Quota: 3, Rate: 2}}, m.Pending("t1"))

	store.failUpsert.Store(false)
	require.NoError(t, m.SyncGauges(ctx, "t1"))
	assert.Empty(t, m.Pending("t1"))

	sum, err := store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 13, Rate: 6}, sum)

	got, err = m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 13, Rate: 6}, got)

	// nothing is applied twice on later syncs
	require.NoError(t, m.SyncGauges(ctx, "t1"))
	sum, err = store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 13, Rate: 6}, sum)
}

func TestManager_SyncPartialFailureRetriesOnlyFailedKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFaultyStore()
	m := NewManager(testConfig(), store)
	alice := NewKey("t1", "alice@example.com")
	bob := NewKey("t1", "bob@example.com")

	for _, k := range []Key{alice, bob} {
		_, err := m.Get(ctx, k)
		require.NoError(t, err)
		require.NoError(t, m.Increment(k))
	}

	store.failFor(bob.User, true)
	err := m.SyncGauges(ctx, "t1")
	require.Error(t, err)
	assert.Equal(t, map[Key]Diff{bob: {Quota: 1, Rate: 1}}, m.Pending("t1"))

	store.failFor(bob.User, false)
	require.NoError(t, m.SyncGauges(ctx, "t1"))

	for _, k := range []Key{alice, bob} {
		sum, err := store.SumAcrossInstances(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, sum, k.User)
	}
}

func TestManager_SyncWrittenButNotRefreshed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFaultyStore()
	m := NewManager(testConfig(), store)
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, m.Increment(key))

	store.failSum.Store(true)
	require.NoError(t, m.SyncGauges(ctx, "t1"))
	assert.Empty(t, m.Pending("t1"), "written diffs are not retried")

	store.failSum.Store(false)
	require.NoError(t, m.SyncGauges(ctx, "t1"))
	sum, err := store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, sum)
}

func TestManager_FlushSyncAndRefreshQuotas(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFaultyStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(testConfig(), store, WithInstanceID("me"), WithClock(func() time.Time { return now }))
	alice := NewKey("t1", "alice@example.com")
	bob := NewKey("t1", "bob@example.com")

	_, err := store.MemoryStore.UpsertOrCombine(ctx, "other", alice, Diff{Quota: 5}, now.Add(time.Hour))
	require.NoError(t, err)
	store.failFor(bob.User, true)

	fresh, failed := m.FlushSyncAndRefreshQuotas(ctx, map[Key]Diff{
		alice: {Quota: 2, Rate: 1},
		bob:   {Quota: 1, Rate: 1},
	})
	assert.Equal(t, map[Key]Aggregate{alice: {Quota: 7, Rate: 1}}, fresh)
	require.Contains(t, failed, bob)
	assert.ErrorIs(t, failed[bob], errStoreDown)

	// the gauge row expiry is pushed RateRowTTL ahead
	n, err := store.DeleteExpiredRates(ctx, "t1", now.Add(testConfig().RateRowTTL-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.DeleteExpiredRates(ctx, "t1", now.Add(testConfig().RateRowTTL+time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManager_FlushHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewManager(testConfig(), NewMemoryStore())

	key := NewKey("t1", "alice@example.com")
	fresh, failed := m.FlushSyncAndRefreshQuotas(ctx, map[Key]Diff{key: {Quota: 1}})
	assert.Empty(t, fresh)
	assert.True(t, errors.Is(failed[key], context.Canceled))
}

func TestManager_Evict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFaultyStore()
	m := NewManager(testConfig(), store)
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, m.Increment(key))
	store.failUpsert.Store(true)
	require.Error(t, m.SyncGauges(ctx, "t1"))
	require.NotEmpty(t, m.Pending("t1"))

	m.Evict(key)
	assert.Empty(t, m.Pending("t1"))
	_, ok := m.Snapshot(key)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Decrement(key), ErrNotCached)

	m.Evict(NewKey("nope", "nobody"))
}

func TestManager_IdleEntriesEvictedOnSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cfg := testConfig()
	m := NewManager(cfg, NewMemoryStore(), WithClock(clock))
	idle := NewKey("t1", "idle@example.com")
	busy := NewKey("t1", "busy@example.com")

	for _, k := range []Key{idle, busy} {
		_, err := m.Get(ctx, k)
		require.NoError(t, err)
	}
	require.NoError(t, m.Increment(busy)) // transfer still running

	advance(cfg.CacheIdleTTL + time.Minute)
	require.NoError(t, m.SyncGauges(ctx, "t1"))

	_, ok := m.Snapshot(idle)
	assert.False(t, ok, "idle entry without changes is evicted")
	_, ok = m.Snapshot(busy)
	assert.True(t, ok, "entry with an in-flight transfer is kept")
	require.NoError(t, m.Decrement(busy))

	// an evicted key is simply reloaded
	got, err := m.Get(ctx, idle)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{}, got)
}

func TestManager_UnmatchedDecrementKeepsEntryEvictable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cfg := testConfig()
	m := NewManager(cfg, NewMemoryStore(), WithClock(clock))
	key := NewKey("t1", "alice@example.com")

	_, err := m.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, m.Decrement(key))

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Rate: -1}, got, "the gauge still moves")
	require.NoError(t, m.SyncGauges(ctx, "t1"))

	mu.Lock()
	now = now.Add(cfg.CacheIdleTTL + time.Minute)
	mu.Unlock()
	require.NoError(t, m.SyncGauges(ctx, "t1"))

	_, ok := m.Snapshot(key)
	assert.False(t, ok, "no transfer is in flight, so the idle entry goes")
}

func TestManager_PurgeExpiredRates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	key := NewKey("t1", "alice@example.com")

	_, err := store.UpsertOrCombine(ctx, "crashed", key, Diff{Quota: 1, Rate: 1}, now.Add(-time.Minute))
	require.NoError(t, err)

	m := NewManager(testConfig(), store)
	n, err := m.PurgeExpiredRates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 0}, got)
}

func TestManager_LazyTenants(t *testing.T) {
	t.Parallel()
	m := NewManager(DefaultConfig(), NewMemoryStore())
	assert.Empty(t, m.Tenants())
	assert.NoError(t, m.SyncGauges(context.Background(), "unknown"))

	_, err := m.Get(context.Background(), NewKey("t9", "alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"t9"}, m.Tenants())
}
