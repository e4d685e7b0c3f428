// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package events consumes the user lifecycle feed and removes the download
// quota of deleted users.
//
// Messages arrive from Kafka or Redis Pub/Sub, are batched by size and
// time, and each batch is applied per tenant.
package events

import (
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/kafka"
)

// Config holds user event consumption settings.
type Config struct {
	// Driver is "none", "kafka" or "redis" (default: "none").
	Driver string `mapstructure:"driver"`

	// BatchSize is the maximum number of events handled together
	// (default: 100).
	BatchSize int `mapstructure:"batch_size"`

	// BatchTimeout is how long a partial batch waits for more events
	// (default: 1s).
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`

	// HandleTimeout bounds the handling of one batch (default: 30s).
	HandleTimeout time.Duration `mapstructure:"handle_timeout"`

	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
}

// KafkaConfig holds Kafka consumer settings.
type KafkaConfig struct {
	kafka.Config `mapstructure:",squash"`

	// InitialOffset is "newest" or "oldest" (default: "newest").
	InitialOffset string `mapstructure:"initial_offset"`
}

// RedisConfig holds Redis subscriber settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Channel carries the JSON encoded user events (default: "zapquota:users").
	Channel string `mapstructure:"channel"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Driver:        "none",
		BatchSize:     100,
		BatchTimeout:  time.Second,
		HandleTimeout: 30 * time.Second,
		Kafka: KafkaConfig{
			Config:        kafka.DefaultConfig("user-events"),
			InitialOffset: "newest",
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Channel:     "zapquota:users",
			DialTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the config and applies defaults for invalid values.
func (c *Config) Validate() {
	if c.Driver == "" {
		c.Driver = "none"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 30 * time.Second
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "user-events"
	}
	c.Kafka.Validate()
	if c.Kafka.InitialOffset != "oldest" {
		c.Kafka.InitialOffset = "newest"
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = "zapquota:users"
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
}

// Enabled reports whether a feed is configured.
func (c *Config) Enabled() bool {
	return c.Driver != "none" && c.Driver != ""
}
