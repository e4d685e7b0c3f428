// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/zapquota/pkg/debug"
	"github.com/LeeDigitalWorks/zapquota/pkg/events"
	"github.com/LeeDigitalWorks/zapquota/pkg/kafka"
	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
	"github.com/LeeDigitalWorks/zapquota/pkg/notify"
	"github.com/LeeDigitalWorks/zapquota/pkg/quota"
	"github.com/LeeDigitalWorks/zapquota/pkg/reporter"
	"github.com/LeeDigitalWorks/zapquota/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ServerOpts struct {
	IP              string
	DebugPort       int
	InstanceID      string
	ShutdownTimeout time.Duration

	Store    StoreOpts
	Quota    quota.Config
	Reporter reporter.Config
	Notify   notify.Config
	Events   events.Config
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the quota server",
	Long: `Start a zapquota instance that:
- syncs download counters with the shared store on a ticker
- expires the in-flight gauges of instances that stopped syncing
- sends batched quota violation notifications
- removes the quota of users deleted upstream`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()
	f.String("ip", utils.DetectedHostAddress(), "IP address to bind to")
	f.Int("debug_port", 8095, "Debug HTTP port (metrics, pprof, health)")
	f.String("instance_id", "", "Instance identifier in the store (default: random UUID)")
	f.Duration("shutdown_timeout", 30*time.Second, "Time allowed for the final sync and notification flush")

	qd := quota.DefaultConfig()
	f.Duration("quota.gauge_sync_interval", qd.GaugeSyncInterval, "How often local counters are synced with the store")
	f.Duration("quota.rate_expiry_interval", qd.RateExpiryInterval, "How often expired in-flight gauges are deleted")
	f.Duration("quota.rate_row_ttl", qd.RateRowTTL, "How long an in-flight gauge outlives its last sync")
	f.Duration("quota.cache_idle_ttl", qd.CacheIdleTTL, "Idle time after which cached limits and counters are dropped")
	f.Int("quota.cache_max_entries", qd.CacheMaxEntries, "Maximum cached limits")
	f.Duration("quota.store_timeout", qd.StoreTimeout, "Timeout of each store round trip of the background loops")

	rd := reporter.DefaultConfig()
	f.Duration("reporter.flush_interval", rd.FlushInterval, "How often quota violations are notified")
	f.Int("reporter.ellipsis_threshold", rd.EllipsisThreshold, "Violation messages kept verbatim per user and flush")
	f.Duration("reporter.send_timeout", rd.SendTimeout, "Timeout of a single notification")

	nd := notify.DefaultConfig()
	f.String("notify.driver", nd.Driver, "Notification driver (log, kafka, redis)")
	f.Float64("notify.rate_limit", nd.RateLimit, "Notifications per second (0 = unthrottled)")
	f.Int("notify.burst", nd.Burst, "Notification burst size")
	addKafkaFlags(f, "notify.kafka.", nd.Kafka)
	f.String("notify.redis.addr", nd.Redis.Addr, "Redis address for notifications")
	f.String("notify.redis.password", "", "Redis password for notifications")
	f.Int("notify.redis.db", 0, "Redis database for notifications")
	f.String("notify.redis.channel", nd.Redis.Channel, "Pub/Sub channel prefix for notifications")

	ed := events.DefaultConfig()
	f.String("events.driver", ed.Driver, "User event driver (none, kafka, redis)")
	f.Int("events.batch_size", ed.BatchSize, "User events handled together")
	f.Duration("events.batch_timeout", ed.BatchTimeout, "How long a partial batch of user events waits")
	f.Duration("events.handle_timeout", ed.HandleTimeout, "Timeout of handling one batch of user events")
	addKafkaFlags(f, "events.kafka.", ed.Kafka.Config)
	f.String("events.kafka.initial_offset", ed.Kafka.InitialOffset, "Where to start without a committed offset (newest, oldest)")
	f.String("events.redis.addr", ed.Redis.Addr, "Redis address for user events")
	f.String("events.redis.password", "", "Redis password for user events")
	f.Int("events.redis.db", 0, "Redis database for user events")
	f.String("events.redis.channel", ed.Redis.Channel, "Pub/Sub channel of user events")

	viper.BindPFlags(f)
}

func addKafkaFlags(f *pflag.FlagSet, prefix string, d kafka.Config) {
	f.StringSlice(prefix+"brokers", nil, "Kafka broker addresses")
	f.String(prefix+"topic", d.Topic, "Kafka topic")
	f.Int(prefix+"required_acks", d.RequiredAcks, "Kafka required acks (0, 1, -1)")
	f.String(prefix+"compression", d.Compression, "Kafka compression (none, gzip, snappy, lz4, zstd)")
	f.Bool(prefix+"tls", false, "Connect to Kafka over TLS")
	f.Bool(prefix+"sasl_enabled", false, "Authenticate to Kafka with SASL")
	f.String(prefix+"sasl_mechanism", "PLAIN", "SASL mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)")
	f.String(prefix+"sasl_username", "", "SASL username")
	f.String(prefix+"sasl_password", "", "SASL password")
}

func loadKafkaConfig(f *FlagLoader, prefix string, d kafka.Config) kafka.Config {
	d.Brokers = f.StringSlice(prefix + "brokers")
	d.Topic = f.String(prefix + "topic")
	d.RequiredAcks = f.Int(prefix + "required_acks")
	d.Compression = f.String(prefix + "compression")
	d.TLS = f.Bool(prefix + "tls")
	d.SASLEnabled = f.Bool(prefix + "sasl_enabled")
	d.SASLMechanism = f.String(prefix + "sasl_mechanism")
	d.SASLUsername = f.String(prefix + "sasl_username")
	d.SASLPassword = f.String(prefix + "sasl_password")
	return d
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	q := loadQuotaDefaults(f)
	q.GaugeSyncInterval = f.Duration("quota.gauge_sync_interval")
	q.RateExpiryInterval = f.Duration("quota.rate_expiry_interval")
	q.RateRowTTL = f.Duration("quota.rate_row_ttl")
	q.CacheIdleTTL = f.Duration("quota.cache_idle_ttl")
	q.CacheMaxEntries = f.Int("quota.cache_max_entries")
	q.StoreTimeout = f.Duration("quota.store_timeout")

	r := reporter.Config{
		FlushInterval:     f.Duration("reporter.flush_interval"),
		EllipsisThreshold: f.Int("reporter.ellipsis_threshold"),
		SendTimeout:       f.Duration("reporter.send_timeout"),
		Tenants:           q.Tenants,
	}

	nd := notify.DefaultConfig()
	n := notify.Config{
		Driver:    f.String("notify.driver"),
		RateLimit: f.Float64("notify.rate_limit"),
		Burst:     f.Int("notify.burst"),
		Kafka:     loadKafkaConfig(f, "notify.kafka.", nd.Kafka),
		Redis: notify.RedisConfig{
			Addr:     f.String("notify.redis.addr"),
			Password: f.String("notify.redis.password"),
			DB:       f.Int("notify.redis.db"),
			Channel:  f.String("notify.redis.channel"),
		},
	}

	ed := events.DefaultConfig()
	e := events.Config{
		Driver:        f.String("events.driver"),
		BatchSize:     f.Int("events.batch_size"),
		BatchTimeout:  f.Duration("events.batch_timeout"),
		HandleTimeout: f.Duration("events.handle_timeout"),
		Kafka: events.KafkaConfig{
			Config:        loadKafkaConfig(f, "events.kafka.", ed.Kafka.Config),
			InitialOffset: f.String("events.kafka.initial_offset"),
		},
		Redis: events.RedisConfig{
			Addr:     f.String("events.redis.addr"),
			Password: f.String("events.redis.password"),
			DB:       f.Int("events.redis.db"),
			Channel:  f.String("events.redis.channel"),
		},
	}

	return ServerOpts{
		IP:              f.String("ip"),
		DebugPort:       f.Int("debug_port"),
		InstanceID:      f.String("instance_id"),
		ShutdownTimeout: f.Duration("shutdown_timeout"),
		Store:           loadStoreOpts(f),
		Quota:           q,
		Reporter:        r,
		Notify:          n,
		Events:          e,
	}
}

func runServer(cmd *cobra.Command, args []string) {
	opts := loadServerOpts(cmd)
	ctx := cmd.Context()

	debug.SetNotReady()

	store, closeStore, err := openStore(ctx, opts.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize quota store")
	}
	if pinger, ok := store.(quota.Pinger); ok {
		debug.AddReadyCheck("store", pinger.Ping)
	}

	var managerOpts []quota.ManagerOption
	if opts.InstanceID != "" {
		managerOpts = append(managerOpts, quota.WithInstanceID(opts.InstanceID))
	}
	manager := quota.NewManager(opts.Quota, store, managerOpts...)
	service := quota.NewService(ctx, opts.Quota, store, manager)
	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load default limits")
	}
	manager.Start(ctx)

	notifier, err := notify.New(opts.Notify)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize notifier")
	}
	rep := reporter.New(opts.Reporter, notifier)
	rep.Start(ctx)

	var listener *events.Listener
	if opts.Events.Enabled() {
		source, err := events.NewSource(opts.Events)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize user event source")
		}
		listener = events.NewListener(opts.Events, source, events.NewHandler(service))
		listener.Start(ctx)
	}

	registerDebugHandlers(manager, rep)
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort)

	logger.Info().
		Str("instance_id", manager.InstanceID()).
		Strs("tenants", opts.Quota.Tenants).
		Str("store", opts.Store.Driver).
		Str("notifier", notifier.Name()).
		Str("events", opts.Events.Driver).
		Msg("zapquota server started")

	debug.SetReady()
	waitForShutdown()
	debug.SetNotReady()

	if listener != nil {
		listener.Stop()
	}
	rep.Stop()
	manager.Stop()
	service.Stop()
	if err := notifier.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close notifier")
	}
	if err := closeStore(); err != nil {
		logger.Warn().Err(err).Msg("failed to close quota store")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	debugServer.Shutdown(shutdownCtx)
	logger.Info().Msg("zapquota server stopped")
}

// registerDebugHandlers exposes the unsynced state of this instance.
func registerDebugHandlers(manager *quota.Manager, rep *reporter.Reporter) {
	debug.RegisterHandlerFunc("/debug/quota/pending", func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		pending := make(map[string]quota.Diff)
		for key, d := range manager.Pending(tenant) {
			pending[key.User] = d
		}
		writeJSON(w, map[string]any{
			"tenant":      tenant,
			"instance_id": manager.InstanceID(),
			"pending":     pending,
		})
	})

	debug.RegisterHandlerFunc("/debug/quota/tenants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"tenants": manager.Tenants()})
	})

	debug.RegisterHandlerFunc("/debug/reporter/pending", func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		writeJSON(w, map[string]any{
			"tenant":  tenant,
			"pending": rep.Pending(tenant),
		})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	<-stopChan
}
