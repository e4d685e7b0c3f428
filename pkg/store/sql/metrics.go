// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zapquota_db_query_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation", "status"},
	)

	dbConnectionsInUse = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "zapquota_db_connections_in_use",
			Help: "Connections currently in use by the quota store",
		},
		func() float64 {
			if s := current.Load(); s != nil {
				return float64(s.db.Stats().InUse)
			}
			return 0
		},
	)
)

func init() {
	prometheus.MustRegister(dbQueryDuration, dbConnectionsInUse)
}

// observe records the duration of an operation started at start. It is
// deferred, so err points at the operation's named result.
func observe(operation string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = "error"
	}
	dbQueryDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
