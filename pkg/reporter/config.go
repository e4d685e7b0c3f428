// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package reporter

import "time"

// Config controls batching of quota violation notifications.
type Config struct {
	// FlushInterval is how often each tenant's pending errors are sent
	// (default: 1m).
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// EllipsisThreshold is how many messages are kept verbatim per user
	// and flush. Further messages are only counted (default: 10).
	EllipsisThreshold int `mapstructure:"ellipsis_threshold"`

	// SendTimeout bounds a single notification send (default: 10s).
	SendTimeout time.Duration `mapstructure:"send_timeout"`

	// Tenants whose flush loops run from Start. Other tenants get a loop
	// on their first report.
	Tenants []string `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:     time.Minute,
		EllipsisThreshold: 10,
		SendTimeout:       10 * time.Second,
	}
}

// Validate applies defaults for invalid values.
func (c *Config) Validate() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
	if c.EllipsisThreshold < 0 {
		c.EllipsisThreshold = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}
