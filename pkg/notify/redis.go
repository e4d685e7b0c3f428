// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis notifier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Channel is the Pub/Sub channel prefix. Notifications are published to
	// "{channel}:{tenant}" (default: "zapquota:notifications").
	Channel string `mapstructure:"channel"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RedisNotifier publishes notifications as JSON on Redis Pub/Sub.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisNotifier connects to cfg.Addr and verifies the connection.
func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("channel", cfg.Channel).
		Msg("redis notifier connected")

	n := NewRedisNotifierFromClient(client, cfg.Channel)
	n.owned = true
	return n, nil
}

// NewRedisNotifierFromClient publishes through an existing client, which
// Close leaves open.
func NewRedisNotifierFromClient(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = "zapquota:notifications"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Name() string {
	return "redis"
}

// Channel returns the channel notifications of tenant are published to.
func (n *RedisNotifier) Channel(tenant string) string {
	return n.channel + ":" + tenant
}

func (n *RedisNotifier) Send(ctx context.Context, msg Notification) error {
	start := time.Now()

	data, err := json.Marshal(msg)
	if err != nil {
		observe(n.Name(), start, err)
		return fmt.Errorf("marshal notification: %w", err)
	}

	channel := n.Channel(msg.Tenant)
	receivers, err := n.client.Publish(ctx, channel, data).Result()
	observe(n.Name(), start, err)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	logger.Ctx(ctx).Debug().
		Str("channel", channel).
		Str("recipient", msg.Recipient).
		Int64("subscribers", receivers).
		Msg("published notification to redis")
	return nil
}

func (n *RedisNotifier) Close() error {
	if n.owned && n.client != nil {
		return n.client.Close()
	}
	return nil
}
