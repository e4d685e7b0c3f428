// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to a zerolog logger. It is the default
// driver when no message bus is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	start := time.Now()

	var ev *zerolog.Event
	switch msg.Level {
	case LevelError:
		ev = n.log.Error()
	case LevelWarning:
		ev = n.log.Warn()
	default:
		ev = n.log.Info()
	}
	ev.Str("tenant", msg.Tenant).
		Str("recipient", msg.Recipient).
		Str("title", msg.Title).
		Str("body", msg.Body).
		Msg("notification")

	observe(n.Name(), start, nil)
	return nil
}

func (n *LogNotifier) Close() error {
	return nil
}
