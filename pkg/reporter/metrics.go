// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapquota_reporter_messages_total",
			Help: "Quota violation messages reported",
		},
		[]string{"tenant", "kept"}, // kept: "message" or "overflow"
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapquota_reporter_notifications_total",
			Help: "Batched quota violation notifications by result",
		},
		[]string{"tenant", "result"}, // sent, failed
	)

	pendingUsers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zapquota_reporter_pending_users",
			Help: "Users with quota violations waiting for the next flush, as of the last flush",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(reportedTotal, notificationsTotal, pendingUsers)
}
