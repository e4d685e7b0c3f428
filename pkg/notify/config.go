// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"fmt"

	"github.com/LeeDigitalWorks/zapquota/pkg/kafka"

	"github.com/rs/zerolog/log"
)

// Config selects and configures the notification driver.
type Config struct {
	// Driver is "log", "kafka" or "redis" (default: "log").
	Driver string `mapstructure:"driver"`

	// RateLimit caps notifications per second across all recipients.
	// Zero or less disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	Kafka kafka.Config `mapstructure:"kafka"`
	Redis RedisConfig  `mapstructure:"redis"`
}

func DefaultConfig() Config {
	return Config{
		Driver:    "log",
		RateLimit: 50,
		Burst:     10,
		Kafka:     kafka.DefaultConfig("zapquota-notifications"),
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "zapquota:notifications",
		},
	}
}

func (c *Config) Validate() {
	if c.Driver == "" {
		c.Driver = "log"
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "zapquota-notifications"
	}
	c.Kafka.Validate()
	if c.Redis.Channel == "" {
		c.Redis.Channel = "zapquota:notifications"
	}
}

// New builds the configured Notifier.
func New(cfg Config) (Notifier, error) {
	cfg.Validate()

	var (
		n   Notifier
		err error
	)
	switch cfg.Driver {
	case "log":
		n = NewLogNotifier(log.With().Str("component", "notify").Logger())
	case "kafka":
		n, err = NewKafkaNotifier(cfg.Kafka)
	case "redis":
		n, err = NewRedisNotifier(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		n = NewThrottled(n, cfg.RateLimit, cfg.Burst)
	}
	return n, nil
}
