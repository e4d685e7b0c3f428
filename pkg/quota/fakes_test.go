// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errStoreDown = errors.New("connection refused")

// faultyStore wraps a MemoryStore and fails selected calls on demand.
type faultyStore struct {
	*MemoryStore

	failUpsert atomic.Bool
	failSum    atomic.Bool
	failFind   atomic.Bool

	// failUsers fails UpsertOrCombine for these users only.
	mu        sync.Mutex
	failUsers map[string]bool

	upserts atomic.Int64
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore(), failUsers: make(map[string]bool)}
}

func (s *faultyStore) failFor(user string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUsers[user] = fail
}

func (s *faultyStore) UpsertOrCombine(ctx context.Context, instanceID string, key Key, diff Diff, exp time.Time) (Aggregate, error) {
	s.upserts.Add(1)
	s.mu.Lock()
	failUser := s.failUsers[key.User]
	s.mu.Unlock()
	if s.failUpsert.Load() || failUser {
		return Aggregate{}, errStoreDown
	}
	return s.MemoryStore.UpsertOrCombine(ctx, instanceID, key, diff, exp)
}

func (s *faultyStore) SumAcrossInstances(ctx context.Context, key Key) (Aggregate, error) {
	if s.failSum.Load() {
		return Aggregate{}, errStoreDown
	}
	return s.MemoryStore.SumAcrossInstances(ctx, key)
}

func (s *faultyStore) FindLimits(ctx context.Context, key Key) (Limits, error) {
	if s.failFind.Load() {
		return Limits{}, errStoreDown
	}
	return s.MemoryStore.FindLimits(ctx, key)
}

// racyStore makes the first two FindLimits calls wait for each other, so
// both callers see a missing record before either inserts.
type racyStore struct {
	*MemoryStore
	calls   atomic.Int32
	arrived sync.WaitGroup
	inserts atomic.Int32
}

func newRacyStore() *racyStore {
	s := &racyStore{MemoryStore: NewMemoryStore()}
	s.arrived.Add(2)
	return s
}

func (s *racyStore) FindLimits(ctx context.Context, key Key) (Limits, error) {
	l, err := s.MemoryStore.FindLimits(ctx, key)
	if s.calls.Add(1) <= 2 {
		s.arrived.Done()
		s.arrived.Wait()
	}
	return l, err
}

func (s *racyStore) InsertLimits(ctx context.Context, limits Limits) (Limits, error) {
	s.inserts.Add(1)
	return s.MemoryStore.InsertLimits(ctx, limits)
}

// gateStore blocks the first UpsertOrCombine after arm until release is
// closed.
type gateStore struct {
	*MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	deleted chan struct{}
}

func newGateStore() *gateStore {
	return &gateStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
		deleted:     make(chan struct{}, 1),
	}
}

func (s *gateStore) arm() {
	s.armed.Store(true)
}

func (s *gateStore) UpsertOrCombine(ctx context.Context, instanceID string, key Key, diff Diff, exp time.Time) (Aggregate, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.UpsertOrCombine(ctx, instanceID, key, diff, exp)
}

func (s *gateStore) DeleteLimits(ctx context.Context, key Key) error {
	err := s.MemoryStore.DeleteLimits(ctx, key)
	select {
	case s.deleted <- struct{}{}:
	default:
	}
	return err
}

// blockingTracker holds Increment until release is closed.
type blockingTracker struct {
	*Manager
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTracker) Increment(key Key) error {
	close(b.entered)
	<-b.release
	return b.Manager.Increment(key)
}
