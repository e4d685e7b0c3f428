// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, store Store, maxQuota, rateLimit int64) (*Service, *Manager) {
	t.Helper()
	cfg := testConfig()
	cfg.DefaultMaxQuota = maxQuota
	cfg.DefaultRateLimit = rateLimit
	m := NewManager(cfg, store)
	s := NewService(context.Background(), cfg, store, m)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(context.Background()))
	return s, m
}

func startStop(ctx context.Context, h *Handle) error {
	if err := h.Start(); err != nil {
		return err
	}
	return h.Stop()
}

func TestService_StartCreatesDefaults(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	newTestService(t, store, 20, 5)

	d, err := store.GetDefaultLimits(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits{Tenant: "t1", MaxQuota: 20, RateLimit: 5}, d)
}

func TestService_StartKeepsStoredDefaults(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	_, err := store.SaveDefaultLimits(context.Background(), DefaultLimits{Tenant: "t1", MaxQuota: 3, RateLimit: 1})
	require.NoError(t, err)

	s, _ := newTestService(t, store, 20, 5)
	l, err := s.GetLimits(context.Background(), NewKey("t1", "alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), l.MaxQuota)
	assert.Equal(t, int64(1), l.RateLimit)
}

func TestService_FindOrCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	s, _ := newTestService(t, store, 20, 5)
	key := NewKey("t1", "alice@example.com")

	created, err := s.FindOrCreateDownloadQuota(ctx, key, 20, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(20), created.MaxQuota)

	again, err := s.FindOrCreateDownloadQuota(ctx, key, 99, 99)
	require.NoError(t, err)
	assert.Equal(t, created, again, "existing limits win over new defaults")
}

func TestService_FindOrCreateConcurrentFirstCallers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newRacyStore()
	s, _ := newTestService(t, store, 20, 5)
	key := NewKey("t1", "alice@example.com")

	var wg sync.WaitGroup
	results := make([]Limits, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.FindOrCreateDownloadQuota(ctx, key, 20, 5)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(2), store.inserts.Load(), "both callers tried to insert")
	assert.Equal(t, results[0], results[1])

	stored, err := store.MemoryStore.FindLimits(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, stored, results[0])
}

type brokenInsertStore struct {
	*MemoryStore
	err error
}

func (s *brokenInsertStore) InsertLimits(context.Context, Limits) (Limits, error) {
	return Limits{}, s.err
}

func TestService_FindOrCreateOtherErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := NewKey("t1", "alice@example.com")

	insertErr := errors.New("disk full")
	s, _ := newTestService(t, &brokenInsertStore{MemoryStore: NewMemoryStore(), err: insertErr}, 20, 5)
	_, err := s.FindOrCreateDownloadQuota(ctx, key, 20, 5)
	require.ErrorIs(t, err, insertErr)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	faulty := newFaultyStore()
	s, _ = newTestService(t, faulty, 20, 5)
	faulty.failFind.Store(true)
	_, err = s.FindOrCreateDownloadQuota(ctx, key, 20, 5)
	require.ErrorIs(t, err, errStoreDown)
}

func TestService_WithQuotaExample(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m := newTestService(t, NewMemoryStore(), 20, 20)
	key := NewKey("t1", "alice@example.com")

	require.NoError(t, s.WithQuota(ctx, key, startStop))
	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 0}, got)

	// a transfer that never stops
	require.NoError(t, s.WithQuota(ctx, key, func(_ context.Context, h *Handle) error {
		return h.Start()
	}))

	var seen Usage
	require.NoError(t, s.WithQuota(ctx, key, func(ctx context.Context, h *Handle) error {
		l := h.Limits()
		u, err := s.GetUserQuotaAndRate(ctx, l)
		seen = u
		return err
	}))
	assert.Equal(t, int64(2), seen.Quota)
	assert.Equal(t, int64(1), seen.Rate)
}

func TestService_QuotaExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), 2, 10)
	key := NewKey("t1", "alice@example.com")

	require.NoError(t, s.WithQuota(ctx, key, startStop))
	require.NoError(t, s.WithQuota(ctx, key, startStop))

	ran := false
	err := s.WithQuota(ctx, key, func(context.Context, *Handle) error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, ran)
	assert.True(t, IsQuotaExceeded(err))
	assert.False(t, IsRateExceeded(err))

	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, int64(2), le.Limit)
	assert.Equal(t, int64(2), le.Current)
	assert.Contains(t, le.Error(), "quota exceeded")
}

func TestService_RateExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), Unlimited, 1)
	key := NewKey("t1", "alice@example.com")

	var held *Handle
	require.NoError(t, s.WithQuota(ctx, key, func(_ context.Context, h *Handle) error {
		held = h
		return h.Start()
	}))

	err := s.WithQuota(ctx, key, startStop)
	assert.True(t, IsRateExceeded(err))
	assert.True(t, IsLimitExceeded(err))

	require.NoError(t, held.Stop())
	require.NoError(t, s.WithQuota(ctx, key, startStop))
}

func TestService_UnlimitedNeverRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), Unlimited, Unlimited)
	key := NewKey("t1", "alice@example.com")

	for range 50 {
		require.NoError(t, s.WithQuota(ctx, key, func(_ context.Context, h *Handle) error {
			return h.Start()
		}))
	}
}

func TestService_ZeroLimitRejectsEverything(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, NewMemoryStore(), 0, Unlimited)
	err := s.WithQuota(context.Background(), NewKey("t1", "alice@example.com"), startStop)
	assert.True(t, IsQuotaExceeded(err))
}

func TestService_StoreDownFailsClosed(t *testing.T) {
	t.Parallel()
	store := newFaultyStore()
	s, _ := newTestService(t, store, 20, 20)
	store.failUpsert.Store(true)

	ran := false
	err := s.WithQuota(context.Background(), NewKey("t1", "alice@example.com"), func(context.Context, *Handle) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsLimitExceeded(err))
	assert.False(t, ran)
}

func TestService_ApplyReturnsOperationResultUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, m := newTestService(t, NewMemoryStore(), 20, 20)
	key := NewKey("t1", "alice@example.com")
	opErr := errors.New("client went away")

	err := s.WithQuota(ctx, key, func(_ context.Context, h *Handle) error {
		require.NoError(t, h.Start())
		return opErr
	})
	assert.Same(t, opErr, err)

	// no automatic release on error
	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, got)

	// an operation that never starts leaves the counters alone
	require.NoError(t, s.WithQuota(ctx, key, func(context.Context, *Handle) error { return nil }))
	got, err = m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 1}, got)
}

func TestWithQuotaResult(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, NewMemoryStore(), 20, 20)

	n, err := WithQuotaResult(context.Background(), s, NewKey("t1", "alice@example.com"),
		func(_ context.Context, h *Handle) (int, error) {
			return 42, h.Track(func() error { return nil })
		})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testConfig(), NewMemoryStore())
	limits := Limits{Tenant: "t1", User: "alice@example.com", MaxQuota: Unlimited, RateLimit: Unlimited}
	_, err := m.Get(ctx, limits.Key())
	require.NoError(t, err)

	h := newHandle(m, limits)
	require.NoError(t, h.Stop(), "stop without start is a no-op")

	require.NoError(t, h.Start())
	require.NoError(t, h.Start())
	assert.Equal(t, int64(2), h.Outstanding())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.Zero(t, h.Outstanding())

	got, err := m.Get(ctx, limits.Key())
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 2, Rate: 0}, got, "extra stops never push the gauge below zero")

	trackErr := errors.New("copy failed")
	err = h.Track(func() error { return trackErr })
	assert.Same(t, trackErr, err)
	got, err = m.Get(ctx, limits.Key())
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 3, Rate: 0}, got, "track always stops")
}

func TestHandle_StartWithoutGet(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig(), NewMemoryStore())
	h := newHandle(m, Limits{Tenant: "t1", User: "alice@example.com"})
	assert.ErrorIs(t, h.Start(), ErrNotCached)
	assert.Zero(t, h.Outstanding())
}

func TestHandle_StopDuringStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testConfig(), NewMemoryStore())
	limits := Limits{Tenant: "t1", User: "alice@example.com", MaxQuota: Unlimited, RateLimit: Unlimited}
	_, err := m.Get(ctx, limits.Key())
	require.NoError(t, err)

	tracker := &blockingTracker{Manager: m, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHandle(tracker, limits)

	started := make(chan error, 1)
	go func() { started <- h.Start() }()
	<-tracker.entered

	// the transfer is cancelled before Start returns
	require.NoError(t, h.Stop())
	close(tracker.release)
	require.NoError(t, <-started)

	assert.Zero(t, h.Outstanding())
	got, err := m.Get(ctx, limits.Key())
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Quota: 1, Rate: 0}, got)
}

func TestService_ChangeDefaultLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), 20, 5)

	before, err := s.GetLimits(ctx, NewKey("t1", "old@example.com"))
	require.NoError(t, err)

	d, err := s.ChangeDefaultLimits(ctx, "t1", 100, 10)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits{Tenant: "t1", MaxQuota: 100, RateLimit: 10}, d)

	got, err := s.GetDefaultLimits(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, d, got)

	after, err := s.GetLimits(ctx, NewKey("t1", "new@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), after.MaxQuota)

	old, err := s.GetLimits(ctx, NewKey("t1", "old@example.com"))
	require.NoError(t, err)
	assert.Equal(t, before, old)

	_, err = s.ChangeDefaultLimits(ctx, "t1", -2, 1)
	assert.ErrorIs(t, err, ErrInvalidLimits)
}

func TestService_UpsertLimitsRefreshesCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), 1, 1)
	key := NewKey("t1", "alice@example.com")

	require.NoError(t, s.WithQuota(ctx, key, startStop))
	require.True(t, IsQuotaExceeded(s.WithQuota(ctx, key, startStop)))

	first, err := s.GetLimits(ctx, key)
	require.NoError(t, err)

	updated, err := s.UpsertLimits(ctx, Limits{Tenant: "t1", User: key.User, MaxQuota: 10, RateLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)

	require.NoError(t, s.WithQuota(ctx, key, startStop))

	_, err = s.UpsertLimits(ctx, Limits{Tenant: "t1", User: "", MaxQuota: 1, RateLimit: 1})
	assert.ErrorIs(t, err, ErrInvalidLimits)
}

func TestService_GetLimitsMany(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, NewMemoryStore(), 20, 5)

	got, err := s.GetLimitsMany(context.Background(), "t1", []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "b@example.com", got["b@example.com"].User)
}

func TestService_CurrentQuotas(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestService(t, NewMemoryStore(), 20, 5)

	require.NoError(t, s.WithQuota(ctx, NewKey("t1", "a@example.com"), startStop))
	require.NoError(t, s.WithQuota(ctx, NewKey("t1", "b@example.com"), func(_ context.Context, h *Handle) error {
		return h.Start()
	}))

	got, err := s.CurrentQuotasMany(ctx, "t1", []string{"b@example.com", "a@example.com"})
	require.NoError(t, err)
	want := []UserCurrentQuotas{
		{User: "b@example.com", MaxQuota: 20, RateLimit: 5, CurrentQuota: 1, CurrentRate: 1},
		{User: "a@example.com", MaxQuota: 20, RateLimit: 5, CurrentQuota: 1, CurrentRate: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CurrentQuotasMany mismatch (-want +got):\n%s", diff)
	}
}

func TestService_RemoveQuotaFor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	s, m := newTestService(t, store, 20, 5)
	key := NewKey("t1", "alice@example.com")

	require.NoError(t, s.WithQuota(ctx, key, startStop))
	require.NoError(t, m.SyncGauges(ctx, "t1"))

	require.NoError(t, s.RemoveQuotaFor(ctx, "t1", []string{key.User, "never-seen@example.com"}))

	_, err := store.FindLimits(ctx, key)
	assert.ErrorIs(t, err, ErrLimitsNotFound)
	_, ok := m.Snapshot(key)
	assert.False(t, ok)

	sum, err := store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{}, sum)

	// a returning user starts from scratch with fresh defaults
	q, err := s.CurrentQuotas(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, UserCurrentQuotas{User: key.User, MaxQuota: 20, RateLimit: 5}, q)
}

func TestService_RemoveQuotaForDuringSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newGateStore()
	cfg := testConfig()
	m := NewManager(cfg, store)
	s := NewService(ctx, cfg, store, m)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(ctx))
	key := NewKey("t1", "alice@example.com")

	_, err := s.CacheUserQuota(ctx, key)
	require.NoError(t, err)
	_, err = m.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, m.Increment(key))

	store.arm()

	synced := make(chan error, 1)
	go func() { synced <- m.SyncGauges(ctx, "t1") }()
	<-store.entered

	removed := make(chan error, 1)
	go func() { removed <- s.RemoveQuotaFor(ctx, "t1", []string{key.User}) }()

	// give the deletion a chance to overtake the blocked sync write
	select {
	case <-store.deleted:
	case <-time.After(100 * time.Millisecond):
	}
	close(store.release)
	require.NoError(t, <-synced)
	require.NoError(t, <-removed)

	sum, err := store.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Aggregate{}, sum, "a sync in flight must not bring the rows back")

	q, err := s.CurrentQuotas(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, q.CurrentQuota)
	assert.Zero(t, q.CurrentRate)
}
