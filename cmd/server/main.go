package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifly/eventcore/internal/api"
	"github.com/notifly/eventcore/internal/config"
	"github.com/notifly/eventcore/internal/domain"
	"github.com/notifly/eventcore/internal/monitor"
	"github.com/notifly/eventcore/internal/projection"
	"github.com/notifly/eventcore/internal/publisher"
	"github.com/notifly/eventcore/internal/registry"
	"github.com/notifly/eventcore/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	// Components
	events := store.NewEventStore(db, store.Config{
		Enabled:      cfg.Enabled,
		MaxEventSize: cfg.MaxEventSize,
	}, logger)

	pub := publisher.New(publisher.Config{
		Enabled:         cfg.Enabled,
		Retries:         cfg.Retries,
		RetryDelay:      cfg.RetryDelay,
		BatchSize:       cfg.BatchSize,
		QueueSize:       cfg.QueueSize,
		NumWorkers:      cfg.NumWorkers,
		FailureStrategy: cfg.FailureStrategy,
	}, redisClient, logger)
	pub.SetStatusStore(events)
	pub.SetDeadLetterSink(db)

	reg := registry.New(registry.Config{
		Enabled:              cfg.Enabled,
		MaxConcurrency:       cfg.MaxConcurrency,
		HandlerTimeout:       cfg.HandlerTimeout,
		Retries:              cfg.Retries,
		RetryDelay:           cfg.RetryDelay,
		EnableCircuitBreaker: cfg.EnableCircuitBreaker,
		BreakerThreshold:     cfg.CircuitBreakerThreshold,
		BreakerWindow:        cfg.CircuitBreakerWindow,
	}, logger)

	var cache *projection.ResultCache
	if cfg.EnableProjectionCache {
		cache = projection.NewResultCache(redisClient, cfg.ProjectionCacheTTL, logger)
	}
	engine := projection.New(projection.Config{
		Enabled:     cfg.Enabled,
		EnableCache: cfg.EnableProjectionCache,
		CacheTTL:    cfg.ProjectionCacheTTL,
		Retries:     cfg.Retries,
		RetryDelay:  cfg.RetryDelay,
	}, events, cache, logger)
	engine.SetStateStore(db)

	// Real-time monitoring
	hub := monitor.NewHub(logger)
	runCtx, stopComponents := context.WithCancel(ctx)
	go hub.Run(runCtx)

	events.OnNotify(hub.Broadcast)
	pub.OnNotify(hub.Broadcast)
	reg.OnNotify(hub.Broadcast)
	engine.OnNotify(hub.Broadcast)

	// New events flow into the publisher's intake queue and are
	// dispatched to the registered handlers.
	events.OnAppend(func(event domain.EventRecord) {
		pub.EventStored(event)
		if _, err := reg.Dispatch(runCtx, event); err != nil {
			logger.Warn("handler dispatch failed", "event_id", event.ID, "error", err)
		}
	})

	pub.Start(runCtx)
	defer pub.Stop()

	mon := monitor.New(cfg.MonitoringInterval, hub, logger)
	mon.Register("event_store", func() any { return events.Stats() })
	mon.Register("event_publisher", func() any { return pub.Stats() })
	mon.Register("handler_registry", func() any { return reg.Stats() })
	mon.Register("projection_engine", func() any { return engine.Stats() })
	mon.Start(runCtx)
	defer mon.Stop()

	// Setup router
	router := api.NewRouter(db, events, pub, reg, engine, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	stopComponents()
	logger.Info("server stopped")
}
