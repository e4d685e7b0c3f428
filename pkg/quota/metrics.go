// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapquota_download_decisions_total",
			Help: "Download pre-check outcomes",
		},
		[]string{"tenant", "outcome"}, // allowed, quota_exceeded, rate_exceeded, error
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zapquota_gauge_sync_duration_seconds",
			Help:    "Duration of a tenant's gauge sync",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"tenant"},
	)

	syncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapquota_gauge_sync_failures_total",
			Help: "Keys whose diffs could not be persisted and were kept for retry",
		},
		[]string{"tenant"},
	)

	pendingKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapquota_gauge_sync_pending_keys",
			Help: "Keys with diffs waiting in the retry accumulator",
		},
		[]string{"tenant"},
	)

	cachedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapquota_cached_keys",
			Help: "Keys with a local counter entry",
		},
		[]string{"tenant"},
	)

	expiredRatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapquota_expired_rate_rows_total",
			Help: "Gauge rows removed by the expiry sweep",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(
		decisionsTotal,
		syncDuration,
		syncFailuresTotal,
		pendingKeys,
		cachedKeys,
		expiredRatesTotal,
	)
}
