// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"github.com/LeeDigitalWorks/zapquota/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "notifications",
		Name:      "sent_total",
		Help:      "Notifications delivered",
	}, []string{"driver"})

	sendFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "notifications",
		Name:      "failed_total",
		Help:      "Notifications that could not be delivered",
	}, []string{"driver"})

	sendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapquota",
		Subsystem: "notifications",
		Name:      "send_duration_seconds",
		Help:      "Time spent delivering a notification",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"driver"})

	throttledWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapquota",
		Subsystem: "notifications",
		Name:      "throttle_wait_seconds",
		Help:      "Time a notification waited for the send rate limiter",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	})
)

func init() {
	debug.Registry().MustRegister(
		sentTotal,
		sendFailedTotal,
		sendDuration,
		throttledWait,
	)
}
