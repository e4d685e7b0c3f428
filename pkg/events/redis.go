// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisSource subscribes to a Redis Pub/Sub channel.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisSource connects to cfg.Addr and verifies the connection.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
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
		Msg("redis user event subscriber connected")

	s := NewRedisSourceFromClient(client, cfg.Channel)
	s.owned = true
	return s, nil
}

// NewRedisSourceFromClient subscribes through an existing client, which
// Close leaves open.
func NewRedisSourceFromClient(client redis.UniversalClient, channel string) *RedisSource {
	return &RedisSource{client: client, channel: channel}
}

func (s *RedisSource) Name() string {
	return "redis"
}

func (s *RedisSource) Run(ctx context.Context, out chan<- UserEvent) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				EventsInvalidTotal.WithLabelValues(s.Name()).Inc()
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skipping user event")
				continue
			}
			EventsReceivedTotal.WithLabelValues(s.Name(), string(ev.Action)).Inc()
			if !deliver(ctx, out, ev) {
				return nil
			}
		}
	}
}

func (s *RedisSource) Close() error {
	if s.owned && s.client != nil {
		return s.client.Close()
	}
	return nil
}
