// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"github.com/LeeDigitalWorks/zapquota/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsReceivedTotal counts decoded user events by source and action.
	EventsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "user_events",
		Name:      "received_total",
		Help:      "User events received",
	}, []string{"source", "action"})

	// EventsInvalidTotal counts messages that could not be decoded.
	EventsInvalidTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "user_events",
		Name:      "invalid_total",
		Help:      "User event messages dropped as undecodable",
	}, []string{"source"})

	// BatchesTotal counts handled batches by result.
	BatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "user_events",
		Name:      "batches_total",
		Help:      "User event batches handled",
	}, []string{"result"}) // ok, error

	// UsersRemovedTotal counts users whose quota was removed.
	UsersRemovedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapquota",
		Subsystem: "user_events",
		Name:      "users_removed_total",
		Help:      "Users whose download quota was removed after deletion",
	}, []string{"tenant"})
)

func init() {
	debug.Registry().MustRegister(
		EventsReceivedTotal,
		EventsInvalidTotal,
		BatchesTotal,
		UsersRemovedTotal,
	)
}
