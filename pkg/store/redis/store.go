// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package redis stores download quota limits and per-instance counters in
// Redis.
//
// Key layout, with every per-tenant key in the tenant's hash slot:
//
//	{prefix}{<tenant>}:quota:<user>   hash instance -> counter
//	{prefix}{<tenant>}:rate:<user>    hash instance -> gauge
//	{prefix}{<tenant>}:rate_expiry    zset "instance|user" scored by expiry (unix ms)
//	{prefix}{<tenant>}:limits         hash user -> limits JSON
//	{prefix}defaults                  hash tenant -> default limits JSON
//	{prefix}limits_seq                counter for limits IDs
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
	"github.com/LeeDigitalWorks/zapquota/pkg/quota"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis store.
type Config struct {
	Addr        string        `mapstructure:"redis_addr"`
	Password    string        `mapstructure:"redis_password"`
	DB          int           `mapstructure:"redis_db"`
	PoolSize    int           `mapstructure:"redis_pool_size"`
	KeyPrefix   string        `mapstructure:"redis_key_prefix"`
	DialTimeout time.Duration `mapstructure:"redis_dial_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		PoolSize:    10,
		KeyPrefix:   "zapquota:",
		DialTimeout: 5 * time.Second,
	}
}

// Validate applies defaults to unset fields.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Addr == "" {
		return errors.New("redis address is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return nil
}

// Store implements quota.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var (
	_ quota.Store  = (*Store)(nil)
	_ quota.Pinger = (*Store)(nil)
)

// Open connects to cfg.Addr and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Str("key_prefix", cfg.KeyPrefix).
		Msg("redis quota store connected")

	s := NewStoreFromClient(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

// NewStoreFromClient uses an existing client, which Close leaves open.
func NewStoreFromClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultConfig().KeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) tenantKey(tenant, suffix string) string {
	return s.prefix + "{" + tenant + "}:" + suffix
}

func (s *Store) quotaKey(key quota.Key) string {
	return s.tenantKey(key.Tenant, "quota:"+key.User)
}

func (s *Store) rateKey(key quota.Key) string {
	return s.tenantKey(key.Tenant, "rate:"+key.User)
}

func (s *Store) expiryKey(tenant string) string {
	return s.tenantKey(tenant, "rate_expiry")
}

func (s *Store) limitsKey(tenant string) string {
	return s.tenantKey(tenant, "limits")
}

func (s *Store) defaultsKey() string {
	return s.prefix + "defaults"
}

func (s *Store) seqKey() string {
	return s.prefix + "limits_seq"
}

const expirySeparator = "|"

func expiryMember(instanceID, user string) string {
	return instanceID + expirySeparator + user
}

// ============================================================================
// Counters
// ============================================================================

func (s *Store) UpsertOrCombine(ctx context.Context, instanceID string, key quota.Key, diff quota.Diff, rateExpiresAt time.Time) (quota.Aggregate, error) {
	if strings.Contains(instanceID, expirySeparator) {
		return quota.Aggregate{}, fmt.Errorf("invalid instance id %q", instanceID)
	}
	vals, err := combineScript.Run(ctx, s.client,
		[]string{s.quotaKey(key), s.rateKey(key), s.expiryKey(key.Tenant)},
		instanceID, diff.Quota, diff.Rate, rateExpiresAt.UnixMilli(), expiryMember(instanceID, key.User),
	).Int64Slice()
	if err != nil {
		return quota.Aggregate{}, fmt.Errorf("combine %s: %w", key, err)
	}
	return quota.Aggregate{Quota: vals[0], Rate: vals[1]}, nil
}

func (s *Store) SumAcrossInstances(ctx context.Context, key quota.Key) (quota.Aggregate, error) {
	vals, err := sumScript.Run(ctx, s.client, []string{s.quotaKey(key), s.rateKey(key)}).Int64Slice()
	if err != nil {
		return quota.Aggregate{}, fmt.Errorf("sum %s: %w", key, err)
	}
	return quota.Aggregate{Quota: vals[0], Rate: vals[1]}, nil
}

func (s *Store) DeleteExpiredRates(ctx context.Context, tenant string, now time.Time) (int64, error) {
	expiry := s.expiryKey(tenant)
	nowMs := now.UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, expiry, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("delete expired rates: %w", err)
	}

	var removed int64
	for _, member := range members {
		instance, user, ok := strings.Cut(member, expirySeparator)
		if !ok {
			continue
		}
		key := quota.NewKey(tenant, user)
		n, err := expireScript.Run(ctx, s.client, []string{expiry, s.rateKey(key)},
			member, instance, nowMs,
		).Int64()
		if err != nil {
			return removed, fmt.Errorf("delete expired rate of %s: %w", key, err)
		}
		removed += n
	}
	return removed, nil
}

// ============================================================================
// Limits
// ============================================================================

type limitsRecord struct {
	ID        int64 `json:"id"`
	MaxQuota  int64 `json:"max_quota"`
	RateLimit int64 `json:"rate_limit"`
}

func encodeLimits(l quota.Limits) (string, error) {
	data, err := json.Marshal(limitsRecord{ID: l.ID, MaxQuota: l.MaxQuota, RateLimit: l.RateLimit})
	return string(data), err
}

func decodeLimits(key quota.Key, raw string) (quota.Limits, error) {
	var rec limitsRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return quota.Limits{}, fmt.Errorf("decode limits of %s: %w", key, err)
	}
	return quota.Limits{
		ID:        rec.ID,
		Tenant:    key.Tenant,
		User:      key.User,
		MaxQuota:  rec.MaxQuota,
		RateLimit: rec.RateLimit,
	}, nil
}

func (s *Store) FindLimits(ctx context.Context, key quota.Key) (quota.Limits, error) {
	raw, err := s.client.HGet(ctx, s.limitsKey(key.Tenant), key.User).Result()
	if errors.Is(err, redis.Nil) {
		return quota.Limits{}, quota.ErrLimitsNotFound
	}
	if err != nil {
		return quota.Limits{}, fmt.Errorf("find limits: %w", err)
	}
	return decodeLimits(key, raw)
}

func (s *Store) InsertLimits(ctx context.Context, l quota.Limits) (quota.Limits, error) {
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return quota.Limits{}, fmt.Errorf("next limits id: %w", err)
	}
	l.ID = id

	data, err := encodeLimits(l)
	if err != nil {
		return quota.Limits{}, err
	}
	created, err := s.client.HSetNX(ctx, s.limitsKey(l.Tenant), l.User, data).Result()
	if err != nil {
		return quota.Limits{}, fmt.Errorf("insert limits: %w", err)
	}
	if !created {
		return quota.Limits{}, fmt.Errorf("%w: %s", quota.ErrUniquenessConflict, l.Key())
	}
	return l, nil
}

// SaveLimits keeps the ID of existing limits. The read and the write run
// under WATCH so a concurrent insert is not overwritten with a new ID.
func (s *Store) SaveLimits(ctx context.Context, l quota.Limits) (quota.Limits, error) {
	hash := s.limitsKey(l.Tenant)

	const maxRetries = 5
	for range maxRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, hash, l.User).Result()
			switch {
			case errors.Is(err, redis.Nil):
				id, err := s.client.Incr(ctx, s.seqKey()).Result()
				if err != nil {
					return fmt.Errorf("next limits id: %w", err)
				}
				l.ID = id
			case err != nil:
				return err
			default:
				existing, err := decodeLimits(l.Key(), raw)
				if err != nil {
					return err
				}
				l.ID = existing.ID
			}

			data, err := encodeLimits(l)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hash, l.User, data)
				return nil
			})
			return err
		}, hash)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return quota.Limits{}, fmt.Errorf("save limits: %w", err)
		}
		return l, nil
	}
	return quota.Limits{}, fmt.Errorf("save limits: %s changed concurrently", l.Key())
}

func (s *Store) DeleteLimits(ctx context.Context, key quota.Key) error {
	err := deleteScript.Run(ctx, s.client,
		[]string{s.limitsKey(key.Tenant), s.quotaKey(key), s.rateKey(key), s.expiryKey(key.Tenant)},
		key.User,
	).Err()
	if err != nil {
		return fmt.Errorf("delete limits: %w", err)
	}
	return nil
}

// ============================================================================
// Defaults
// ============================================================================

type defaultsRecord struct {
	MaxQuota  int64 `json:"max_quota"`
	RateLimit int64 `json:"rate_limit"`
}

func (s *Store) GetDefaultLimits(ctx context.Context, tenant string) (quota.DefaultLimits, error) {
	raw, err := s.client.HGet(ctx, s.defaultsKey(), tenant).Result()
	if errors.Is(err, redis.Nil) {
		return quota.DefaultLimits{}, quota.ErrDefaultsNotFound
	}
	if err != nil {
		return quota.DefaultLimits{}, fmt.Errorf("get default limits: %w", err)
	}

	var rec defaultsRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return quota.DefaultLimits{}, fmt.Errorf("decode default limits of %s: %w", tenant, err)
	}
	return quota.DefaultLimits{Tenant: tenant, MaxQuota: rec.MaxQuota, RateLimit: rec.RateLimit}, nil
}

func (s *Store) SaveDefaultLimits(ctx context.Context, d quota.DefaultLimits) (quota.DefaultLimits, error) {
	data, err := json.Marshal(defaultsRecord{MaxQuota: d.MaxQuota, RateLimit: d.RateLimit})
	if err != nil {
		return quota.DefaultLimits{}, err
	}
	if err := s.client.HSet(ctx, s.defaultsKey(), d.Tenant, data).Err(); err != nil {
		return quota.DefaultLimits{}, fmt.Errorf("save default limits: %w", err)
	}
	return d, nil
}
