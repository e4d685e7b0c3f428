// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"sync"
	"time"
)

type instanceKey struct {
	instance string
	key      Key
}

type rateRow struct {
	gauge     int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It serves single-instance
// deployments and tests; several managers with distinct instance IDs may
// share one MemoryStore to model a cluster.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[instanceKey]int64
	rates    map[instanceKey]rateRow
	limits   map[Key]Limits
	defaults map[string]DefaultLimits
	nextID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[instanceKey]int64),
		rates:    make(map[instanceKey]rateRow),
		limits:   make(map[Key]Limits),
		defaults: make(map[string]DefaultLimits),
	}
}

func (s *MemoryStore) UpsertOrCombine(_ context.Context, instanceID string, key Key, diff Diff, rateExpiresAt time.Time) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := instanceKey{instance: instanceID, key: key}
	s.counters[ik] += diff.Quota
	row := s.rates[ik]
	row.gauge += diff.Rate
	row.expiresAt = rateExpiresAt
	s.rates[ik] = row

	return Aggregate{Quota: s.counters[ik], Rate: row.gauge}, nil
}

func (s *MemoryStore) SumAcrossInstances(_ context.Context, key Key) (Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agg Aggregate
	for ik, v := range s.counters {
		if ik.key == key {
			agg.Quota += v
		}
	}
	for ik, row := range s.rates {
		if ik.key == key {
			agg.Rate += row.gauge
		}
	}
	return agg, nil
}

func (s *MemoryStore) DeleteExpiredRates(_ context.Context, tenant string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ik, row := range s.rates {
		if ik.key.Tenant == tenant && row.expiresAt.Before(now) {
			delete(s.rates, ik)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) FindLimits(_ context.Context, key Key) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limits[key]
	if !ok {
		return Limits{}, ErrLimitsNotFound
	}
	return l, nil
}

func (s *MemoryStore) InsertLimits(_ context.Context, limits Limits) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.limits[limits.Key()]; ok {
		return Limits{}, ErrUniquenessConflict
	}
	s.nextID++
	limits.ID = s.nextID
	s.limits[limits.Key()] = limits
	return limits, nil
}

func (s *MemoryStore) SaveLimits(_ context.Context, limits Limits) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.limits[limits.Key()]; ok {
		limits.ID = existing.ID
	} else {
		s.nextID++
		limits.ID = s.nextID
	}
	s.limits[limits.Key()] = limits
	return limits, nil
}

func (s *MemoryStore) DeleteLimits(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.limits, key)
	for ik := range s.counters {
		if ik.key == key {
			delete(s.counters, ik)
		}
	}
	for ik := range s.rates {
		if ik.key == key {
			delete(s.rates, ik)
		}
	}
	return nil
}

func (s *MemoryStore) GetDefaultLimits(_ context.Context, tenant string) (DefaultLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.defaults[tenant]
	if !ok {
		return DefaultLimits{}, ErrDefaultsNotFound
	}
	return d, nil
}

func (s *MemoryStore) SaveDefaultLimits(_ context.Context, defaults DefaultLimits) (DefaultLimits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defaults[defaults.Tenant] = defaults
	return defaults, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
