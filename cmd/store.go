// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
	"github.com/LeeDigitalWorks/zapquota/pkg/quota"
	redisstore "github.com/LeeDigitalWorks/zapquota/pkg/store/redis"
	sqlstore "github.com/LeeDigitalWorks/zapquota/pkg/store/sql"

	"github.com/spf13/viper"
)

const driverMemory = "memory"

// StoreOpts selects and configures the quota store.
type StoreOpts struct {
	Driver string
	SQL    sqlstore.Config
	Redis  redisstore.Config
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("db_driver", driverMemory, "Store driver (memory, postgres, cockroachdb, mysql, sqlite, redis)")
	f.String("db_dsn", "", "Database connection string (file path for sqlite)")
	f.Int("db_max_open_conns", 25, "Maximum open database connections")
	f.Int("db_max_idle_conns", 5, "Maximum idle database connections")
	f.Duration("db_conn_max_lifetime", 0, "Maximum lifetime of a database connection (0 = driver default)")
	f.String("redis_addr", "localhost:6379", "Redis address for the redis driver")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_db", 0, "Redis database number")
	f.Int("redis_pool_size", 10, "Redis connection pool size")
	f.String("redis_key_prefix", "zapquota:", "Prefix of every Redis key")

	f.StringSlice("tenants", nil, "Tenants synced from startup (others are picked up on first use)")
	f.Int64("quota.default_max_quota", quota.Unlimited, "Max downloads of a new user when its tenant has no stored defaults (-1 = unlimited)")
	f.Int64("quota.default_rate_limit", quota.Unlimited, "Max concurrent downloads of a new user when its tenant has no stored defaults (-1 = unlimited)")

	viper.BindPFlags(f)
}

func loadStoreOpts(f *FlagLoader) StoreOpts {
	sqlCfg := sqlstore.DefaultConfig(f.String("db_driver"), f.String("db_dsn"))
	sqlCfg.MaxOpenConns = f.Int("db_max_open_conns")
	sqlCfg.MaxIdleConns = f.Int("db_max_idle_conns")
	sqlCfg.ConnMaxLifetime = f.Duration("db_conn_max_lifetime")

	return StoreOpts{
		Driver: f.String("db_driver"),
		SQL:    sqlCfg,
		Redis: redisstore.Config{
			Addr:      f.String("redis_addr"),
			Password:  f.String("redis_password"),
			DB:        f.Int("redis_db"),
			PoolSize:  f.Int("redis_pool_size"),
			KeyPrefix: f.String("redis_key_prefix"),
		},
	}
}

// loadQuotaDefaults returns the quota config shared by every command.
func loadQuotaDefaults(f *FlagLoader) quota.Config {
	cfg := quota.DefaultConfig()
	cfg.Tenants = f.StringSlice("tenants")
	cfg.DefaultMaxQuota = f.Int64("quota.default_max_quota")
	cfg.DefaultRateLimit = f.Int64("quota.default_rate_limit")
	return cfg
}

// openStore connects the configured store. The returned function closes it.
func openStore(ctx context.Context, opts StoreOpts) (quota.Store, func() error, error) {
	logger.Info().Str("driver", opts.Driver).Str("dsn", maskDSN(opts.SQL.DSN)).Msg("initializing quota store")

	switch opts.Driver {
	case driverMemory:
		logger.Warn().Msg("memory store: counters are not shared between instances and are lost on restart")
		return quota.NewMemoryStore(), func() error { return nil }, nil

	case "redis":
		s, err := redisstore.Open(ctx, opts.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case sqlstore.DriverPostgres, sqlstore.DriverCockroach, sqlstore.DriverMySQL, sqlstore.DriverSQLite:
		if opts.SQL.DSN == "" {
			return nil, nil, fmt.Errorf("--db_dsn required for %s driver", opts.Driver)
		}
		s, err := sqlstore.Open(ctx, opts.SQL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver: %s", opts.Driver)
	}
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return "(none)"
	}
	if len(dsn) > 20 {
		return dsn[:10] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}
