// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers user-facing notifications.
//
// A Notifier sends one message to one recipient. Delivery is best effort:
// callers log and count failures and do not retry.
package notify

import (
	"context"
	"time"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Notification is a message addressed to a single user.
type Notification struct {
	Tenant    string    `json:"tenant"`
	Recipient string    `json:"recipient"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
}

// Notifier delivers notifications.
type Notifier interface {
	// Name returns the driver identifier.
	Name() string
	// Send delivers n once.
	Send(ctx context.Context, n Notification) error
	Close() error
}

func observe(driver string, start time.Time, err error) {
	if err != nil {
		sendFailedTotal.WithLabelValues(driver).Inc()
		return
	}
	sentTotal.WithLabelValues(driver).Inc()
	sendDuration.WithLabelValues(driver).Observe(time.Since(start).Seconds())
}
