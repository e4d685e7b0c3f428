// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
)

// Source delivers user events from a message bus.
type Source interface {
	// Name returns the source identifier (e.g., "kafka", "redis").
	Name() string

	// Run decodes messages and sends the events to out until ctx is done.
	// Undecodable messages are logged and skipped.
	Run(ctx context.Context, out chan<- UserEvent) error

	Close() error
}

// NewSource builds the Source selected by cfg.Driver.
func NewSource(cfg Config) (Source, error) {
	cfg.Validate()
	switch cfg.Driver {
	case "kafka":
		return NewKafkaSource(cfg.Kafka)
	case "redis":
		return NewRedisSource(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown user events driver %q", cfg.Driver)
	}
}

func deliver(ctx context.Context, out chan<- UserEvent, ev UserEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
