// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handle brackets a transfer admitted by the quota check.
//
// The transfer calls Start when bytes begin to flow and Stop when it ends,
// on every path. A Start without a Stop keeps the user's rate gauge raised
// until this instance's gauge row expires from the store, which only
// happens once the instance stops syncing the key. Stop without an
// outstanding Start does nothing.
//
// Handles may outlive the operation they were given to, so an asynchronous
// transfer can call Stop from its own completion callback.
type Handle struct {
	tracker     Tracker
	limits      Limits
	outstanding atomic.Int64
}

func newHandle(tracker Tracker, limits Limits) *Handle {
	return &Handle{tracker: tracker, limits: limits}
}

// Limits returns the limits the transfer was admitted under.
func (h *Handle) Limits() Limits {
	return h.limits
}

// Start counts one download against the quota and raises the rate gauge.
func (h *Handle) Start() error {
	// counted first so a concurrent Stop always has something to release
	h.outstanding.Add(1)
	if err := h.tracker.Increment(h.limits.Key()); err != nil {
		h.take()
		return err
	}
	return nil
}

// take removes one outstanding Start, reporting false when there is none.
func (h *Handle) take() bool {
	for {
		n := h.outstanding.Load()
		if n <= 0 {
			return false
		}
		if h.outstanding.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Stop lowers the rate gauge raised by a previous Start.
func (h *Handle) Stop() error {
	if !h.take() {
		return nil
	}
	if err := h.tracker.Decrement(h.limits.Key()); err != nil {
		h.outstanding.Add(1)
		return err
	}
	return nil
}

// Outstanding returns the number of Starts not matched by a Stop.
func (h *Handle) Outstanding() int64 {
	return h.outstanding.Load()
}

// Track runs fn between Start and Stop. Use it only when the transfer is
// complete once fn returns.
func (h *Handle) Track(fn func() error) error {
	if err := h.Start(); err != nil {
		return err
	}
	defer func() {
		if err := h.Stop(); err != nil {
			log.Error().Err(err).
				Str("tenant", h.limits.Tenant).
				Str("user", h.limits.User).
				Msg("failed to release download rate")
		}
	}()
	return fn()
}
