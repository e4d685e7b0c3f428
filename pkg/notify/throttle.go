// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled limits the rate at which notifications reach the wrapped
// Notifier. Send blocks until a token is available or ctx is done.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled allows perSecond notifications per second with the given
// burst.
func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Name() string {
	return t.next.Name()
}

func (t *Throttled) Send(ctx context.Context, n Notification) error {
	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		sendFailedTotal.WithLabelValues(t.next.Name()).Inc()
		return err
	}
	throttledWait.Observe(time.Since(start).Seconds())
	return t.next.Send(ctx, n)
}

func (t *Throttled) Close() error {
	return t.next.Close()
}
