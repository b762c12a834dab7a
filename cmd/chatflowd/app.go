package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/tokligence/chatflow-gateway/internal/chatflow"
	"github.com/tokligence/chatflow-gateway/internal/config"
	"github.com/tokligence/chatflow-gateway/internal/conversation"
	"github.com/tokligence/chatflow-gateway/internal/health"
	"github.com/tokligence/chatflow-gateway/internal/logging"
	"github.com/tokligence/chatflow-gateway/internal/metrics"
	"github.com/tokligence/chatflow-gateway/internal/profile"
	"github.com/tokligence/chatflow-gateway/internal/recorder"
	"github.com/tokligence/chatflow-gateway/internal/registry"
	"github.com/tokligence/chatflow-gateway/internal/relay"
	"github.com/tokligence/chatflow-gateway/internal/storage/postgres"
	"github.com/tokligence/chatflow-gateway/internal/storage/sqlite"
	"github.com/tokligence/chatflow-gateway/internal/upstream"
)

// store is everything chatflowd persists, served by one database.
type store interface {
	conversation.Store
	registry.Store
	profile.Store
	Ping(ctx context.Context) error
	io.Closer
}

func openStore(cfg config.Config) (store, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return postgres.New(cfg.DatabaseDSN, cfg.PGMaxOpen, cfg.PGMaxIdle, cfg.PGConnLifetimeMinutes, cfg.PGConnIdleMinutes)
	case "sqlite":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database_driver %q", cfg.DatabaseDriver)
	}
}

// app holds the wired daemon components.
type app struct {
	cfg      config.Config
	logs     *logging.Logs
	logger   *log.Logger
	store    store
	redis    *redis.Client
	metrics  *metrics.Collector
	recorder *recorder.Recorder
	health   *health.Checker
	service  *chatflow.Service
}

func newApp(cfg config.Config, logs *logging.Logs) (*app, error) {
	a := &app{cfg: cfg, logs: logs, logger: logs.Logger("chatflowd")}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DatabaseDriver, err)
	}
	a.store = st

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewCollector(reg)

	probes := []health.Probe{{Name: "database", Type: "database", Critical: true, Ping: st.Ping}}
	cacheOpts := []profile.CacheOption{profile.WithTTL(cfg.UserCacheTTL)}
	cacheType := profile.CacheTypeMemory
	if cfg.UserCacheDriver == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cacheType = profile.CacheTypeRedis
		cacheOpts = append(cacheOpts, profile.WithRedisClient(a.redis))
		probes = append(probes, health.Probe{
			Name: "user_cache",
			Type: "cache",
			Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		})
	}
	cache, err := profile.NewCache(cacheType, cacheOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.health = health.New(health.Config{Probes: probes})

	if cfg.RegistryFile != "" {
		apis, err := registry.LoadFile(cfg.RegistryFile)
		if err != nil {
			a.close()
			return nil, err
		}
		n, err := registry.Import(context.Background(), st, apis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.logger.Printf("registered %d api(s) from %s", n, cfg.RegistryFile)
	}

	a.recorder = recorder.New(st, recorder.Config{
		Workers:      cfg.RecorderWorkers,
		Buffer:       cfg.RecorderBuffer,
		WriteTimeout: cfg.RecorderWriteTimeout,
		Logger:       logs.Logger("recorder"),
		Metrics:      a.metrics,
	})

	svc, err := chatflow.New(chatflow.Config{
		APIs:          st,
		Conversations: st,
		Profiles:      profile.NewEnsurer(st, cache, cfg.UserSource, logs.Logger("profile")),
		Upstream: upstream.New(upstream.Config{
			BlockingTimeout: cfg.BlockingTimeout,
			ConnectTimeout:  cfg.ConnectTimeout,
			MaxLineBytes:    cfg.MaxLineBytes,
			Logger:          logs.Logger("upstream"),
			Metrics:         a.metrics,
		}),
		Relay: relay.New(relay.Config{
			IdleTimeout:     cfg.StreamIdleTimeout,
			MaxMalformedRun: cfg.MaxMalformedRun,
			Logger:          logs.Logger("relay"),
			Metrics:         a.metrics,
			Debug:           cfg.Debug(),
		}),
		Recorder:        a.recorder,
		SessionMaxTurns: cfg.SessionMaxTurns,
		Logger:          logs.Logger("chatflow"),
		Debug:           cfg.Debug(),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.service = svc
	return a, nil
}

// drain waits for queued turns, then releases the store and cache.
func (a *app) drain(ctx context.Context) error {
	var errs []error
	if a.recorder != nil {
		abandoned, err := a.recorder.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("recorder drain: %w (%d turn(s) abandoned)", err, abandoned))
		}
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
