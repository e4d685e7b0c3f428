// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"time"
)

// Config holds quota bookkeeping configuration.
type Config struct {
	// GaugeSyncInterval is how often each tenant's local diffs are pushed to
	// the store and the cross-instance totals refreshed.
	// Default: 30s.
	GaugeSyncInterval time.Duration `mapstructure:"gauge_sync_interval"`

	// RateExpiryInterval is how often expired gauge rows are deleted.
	// Default: 2m.
	RateExpiryInterval time.Duration `mapstructure:"rate_expiry_interval"`

	// RateRowTTL is how far ahead of now a gauge row expiry is pushed on each
	// sync. Rows of instances that stopped syncing disappear after it.
	// Default: 3 x GaugeSyncInterval.
	RateRowTTL time.Duration `mapstructure:"rate_row_ttl"`

	// DefaultMaxQuota and DefaultRateLimit seed a tenant's default limits
	// when none are stored yet. -1 means unlimited.
	DefaultMaxQuota  int64 `mapstructure:"default_max_quota"`
	DefaultRateLimit int64 `mapstructure:"default_rate_limit"`

	// CacheIdleTTL evicts limits and idle counters not read for that long.
	// Default: 30m.
	CacheIdleTTL time.Duration `mapstructure:"cache_idle_ttl"`

	// CacheMaxEntries bounds the limits cache.
	// Default: 10000.
	CacheMaxEntries int `mapstructure:"cache_max_entries"`

	// StoreTimeout bounds each store round trip of the background loops.
	// Default: 10s.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	// Tenants are synced from startup; others are picked up on first use.
	Tenants []string `mapstructure:"tenants"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		GaugeSyncInterval:  30 * time.Second,
		RateExpiryInterval: 120 * time.Second,
		RateRowTTL:         90 * time.Second,
		DefaultMaxQuota:    Unlimited,
		DefaultRateLimit:   Unlimited,
		CacheIdleTTL:       30 * time.Minute,
		CacheMaxEntries:    10_000,
		StoreTimeout:       10 * time.Second,
	}
}

// Validate checks the config for invalid values and applies defaults.
func (c *Config) Validate() {
	if c.GaugeSyncInterval <= 0 {
		c.GaugeSyncInterval = 30 * time.Second
	}
	if c.RateExpiryInterval <= 0 {
		c.RateExpiryInterval = 120 * time.Second
	}
	if c.RateRowTTL < c.GaugeSyncInterval {
		c.RateRowTTL = 3 * c.GaugeSyncInterval
	}
	if c.DefaultMaxQuota < Unlimited {
		c.DefaultMaxQuota = Unlimited
	}
	if c.DefaultRateLimit < Unlimited {
		c.DefaultRateLimit = Unlimited
	}
	if c.CacheIdleTTL <= 0 {
		c.CacheIdleTTL = 30 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 10_000
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
}
