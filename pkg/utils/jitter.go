// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter returns base moved randomly by up to fraction of itself in
// either direction. Jitter(time.Minute, 0.1) is between 54s and 66s.
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(base) * fraction
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

// JitteredTicker ticks at independently jittered intervals around base.
// Ticks are dropped while the receiver is busy. stop must be called.
func JitteredTicker(base time.Duration, fraction float64) (ticks <-chan time.Time, stop func()) {
	ch := make(chan time.Time, 1)
	done := make(chan struct{})

	go func() {
		for {
			timer := time.NewTimer(Jitter(base, fraction))
			select {
			case t := <-timer.C:
				select {
				case ch <- t:
				default:
				}
			case <-done:
				timer.Stop()
				return
			}
		}
	}()

	return ch, func() { close(done) }
}
