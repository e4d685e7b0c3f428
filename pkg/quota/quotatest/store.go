// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package quotatest provides a conformance suite for quota.Store
// implementations.
package quotatest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreTests runs the Store contract against stores built by newStore.
// Every subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) quota.Store) {
	t.Run("CombineAndSum", func(t *testing.T) { testCombineAndSum(t, newStore(t)) })
	t.Run("CombineCreatesMissingRows", func(t *testing.T) { testCombineCreates(t, newStore(t)) })
	t.Run("DeleteExpiredRates", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("Limits", func(t *testing.T) { testLimits(t, newStore(t)) })
	t.Run("InsertLimitsConflict", func(t *testing.T) { testInsertConflict(t, newStore(t)) })
	t.Run("ConcurrentCombine", func(t *testing.T) { testConcurrentCombine(t, newStore(t)) })
	t.Run("DefaultLimits", func(t *testing.T) { testDefaults(t, newStore(t)) })
}

func testCombineAndSum(t *testing.T, s quota.Store) {
	ctx := context.Background()
	key := quota.NewKey("t1", "alice@example.com")
	exp := time.Now().Add(time.Minute)

	got, err := s.UpsertOrCombine(ctx, "i1", key, quota.Diff{Quota: 3, Rate: 2}, exp)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: 3, Rate: 2}, got)

	got, err = s.UpsertOrCombine(ctx, "i1", key, quota.Diff{Quota: 1, Rate: -1}, exp)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: 4, Rate: 1}, got)

	_, err = s.UpsertOrCombine(ctx, "i2", key, quota.Diff{Quota: 10, Rate: 5}, exp)
	require.NoError(t, err)
	_, err = s.UpsertOrCombine(ctx, "i2", quota.NewKey("t1", "bob@example.com"), quota.Diff{Quota: 100}, exp)
	require.NoError(t, err)
	_, err = s.UpsertOrCombine(ctx, "i2", quota.NewKey("t2", "alice@example.com"), quota.Diff{Quota: 1000}, exp)
	require.NoError(t, err)

	sum, err := s.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: 14, Rate: 6}, sum)

	sum, err = s.SumAcrossInstances(ctx, quota.NewKey("t1", "nobody@example.com"))
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{}, sum)
}

func testCombineCreates(t *testing.T, s quota.Store) {
	ctx := context.Background()
	key := quota.NewKey("t1", "alice@example.com")

	got, err := s.UpsertOrCombine(ctx, "i1", key, quota.Diff{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{}, got)
}

func testDeleteExpired(t *testing.T, s quota.Store) {
	ctx := context.Background()
	key := quota.NewKey("t1", "alice@example.com")
	now := time.Now()

	_, err := s.UpsertOrCombine(ctx, "dead", key, quota.Diff{Quota: 1, Rate: 1}, now.Add(-time.Second))
	require.NoError(t, err)
	_, err = s.UpsertOrCombine(ctx, "live", key, quota.Diff{Quota: 1, Rate: 1}, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.UpsertOrCombine(ctx, "dead", quota.NewKey("t2", "alice@example.com"), quota.Diff{Rate: 1}, now.Add(-time.Second))
	require.NoError(t, err)

	n, err := s.DeleteExpiredRates(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sum, err := s.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: 2, Rate: 1}, sum, "quota rows never expire")

	sum, err = s.SumAcrossInstances(ctx, quota.NewKey("t2", "alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Rate, "other tenants are untouched")

	// a later sync recreates the gauge row from zero
	got, err := s.UpsertOrCombine(ctx, "dead", key, quota.Diff{Rate: 2}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: 1, Rate: 2}, got)
}

func testLimits(t *testing.T, s quota.Store) {
	ctx := context.Background()
	key := quota.NewKey("t1", "alice@example.com")

	_, err := s.FindLimits(ctx, key)
	require.ErrorIs(t, err, quota.ErrLimitsNotFound)

	created, err := s.InsertLimits(ctx, quota.Limits{Tenant: "t1", User: "alice@example.com", MaxQuota: 5, RateLimit: 2})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	other, err := s.InsertLimits(ctx, quota.Limits{Tenant: "t2", User: "alice@example.com", MaxQuota: 1, RateLimit: 1})
	require.NoError(t, err, "users are scoped per tenant")
	assert.NotEqual(t, created.ID, other.ID)

	saved, err := s.SaveLimits(ctx, quota.Limits{Tenant: "t1", User: "alice@example.com", MaxQuota: 50, RateLimit: 20})
	require.NoError(t, err)
	assert.Equal(t, created.ID, saved.ID)

	found, err := s.FindLimits(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, saved, found)

	fresh, err := s.SaveLimits(ctx, quota.Limits{Tenant: "t1", User: "bob@example.com", MaxQuota: quota.Unlimited, RateLimit: 0})
	require.NoError(t, err)
	assert.NotZero(t, fresh.ID)
	found, err = s.FindLimits(ctx, fresh.Key())
	require.NoError(t, err)
	assert.Equal(t, fresh, found)

	_, err = s.UpsertOrCombine(ctx, "i1", key, quota.Diff{Quota: 3, Rate: 1}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.DeleteLimits(ctx, key))
	require.NoError(t, s.DeleteLimits(ctx, key), "deleting a missing key is not an error")

	_, err = s.FindLimits(ctx, key)
	require.ErrorIs(t, err, quota.ErrLimitsNotFound)
	sum, err := s.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{}, sum)

	_, err = s.FindLimits(ctx, quota.NewKey("t2", "alice@example.com"))
	require.NoError(t, err, "other tenants are untouched")
}

func testInsertConflict(t *testing.T, s quota.Store) {
	ctx := context.Background()
	l := quota.Limits{Tenant: "t1", User: "alice@example.com", MaxQuota: 5, RateLimit: 2}

	_, err := s.InsertLimits(ctx, l)
	require.NoError(t, err)

	l.MaxQuota = 1
	_, err = s.InsertLimits(ctx, l)
	require.ErrorIs(t, err, quota.ErrUniquenessConflict)

	found, err := s.FindLimits(ctx, l.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(5), found.MaxQuota, "the first insert wins")
}

func testConcurrentCombine(t *testing.T, s quota.Store) {
	ctx := context.Background()
	key := quota.NewKey("t1", "alice@example.com")
	exp := time.Now().Add(time.Minute)

	const workers, rounds = 4, 10
	var wg sync.WaitGroup
	for w := range workers {
		instance := []string{"i1", "i2"}[w%2]
		wg.Go(func() {
			for range rounds {
				_, err := s.UpsertOrCombine(ctx, instance, key, quota.Diff{Quota: 1, Rate: 1}, exp)
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	sum, err := s.SumAcrossInstances(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, quota.Aggregate{Quota: workers * rounds, Rate: workers * rounds}, sum)
}

func testDefaults(t *testing.T, s quota.Store) {
	ctx := context.Background()

	_, err := s.GetDefaultLimits(ctx, "t1")
	require.ErrorIs(t, err, quota.ErrDefaultsNotFound)

	_, err = s.SaveDefaultLimits(ctx, quota.DefaultLimits{Tenant: "t1", MaxQuota: 20, RateLimit: 5})
	require.NoError(t, err)
	_, err = s.SaveDefaultLimits(ctx, quota.DefaultLimits{Tenant: "t1", MaxQuota: 30, RateLimit: quota.Unlimited})
	require.NoError(t, err)

	d, err := s.GetDefaultLimits(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultLimits{Tenant: "t1", MaxQuota: 30, RateLimit: quota.Unlimited}, d)

	_, err = s.GetDefaultLimits(ctx, "t2")
	require.ErrorIs(t, err, quota.ErrDefaultsNotFound)
}
