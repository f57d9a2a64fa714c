package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/twinengine/internal/broker"
	"github.com/devrev/twinengine/internal/config"
	apierrors "github.com/devrev/twinengine/internal/errors"
	"github.com/devrev/twinengine/internal/handler"
	"github.com/devrev/twinengine/internal/health"
	"github.com/devrev/twinengine/internal/logging"
	"github.com/devrev/twinengine/internal/metrics"
	"github.com/devrev/twinengine/internal/server"
	"github.com/devrev/twinengine/internal/service"
	"github.com/devrev/twinengine/internal/session"
	"github.com/devrev/twinengine/internal/store"
	"github.com/devrev/twinengine/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is set at build time
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Floorsync exited with error", zap.Error(err))
	}
	logger.Info("Floorsync stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting floorsync",
		zap.String("version", version),
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Int("wait_threshold_minutes", cfg.Engine.WaitThresholdMinutes),
		zap.Duration("sweep_interval", cfg.Sweep.Interval))

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// Authoritative floor store
	floorStore, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open floor store: %w", err)
	}
	defer floorStore.Close()

	if cfg.Database.AutoMigrate {
		if err := floorStore.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate floor store: %w", err)
		}
		logger.Info("Floor store schema applied")
	}

	// Idempotency keys and the sweep lock live in Redis when it is enabled
	var (
		idempotencyStore store.IdempotencyStore
		sweepLock        store.SweepLock
	)
	if cfg.Redis.Enabled {
		client, err := store.NewRedisClient(ctx, store.RedisOptions{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			return err
		}
		idempotencyStore = store.NewRedisIdempotencyStore(client, logger)
		sweepLock = store.NewRedisSweepLock(client)
		logger.Info("Redis initialized", zap.String("host", cfg.Redis.Host))
	} else {
		idempotencyStore = store.NewMemoryIdempotencyStore(cfg.Idempotency.MaxEntries, logger)
		sweepLock = store.NewLocalSweepLock()
		logger.Info("Using in-process idempotency store and sweep lock")
	}
	defer func() { _ = idempotencyStore.Close() }()

	// Services
	b := broker.New(m, logger)
	engine := service.NewTransitionService(floorStore, b,
		cfg.Engine.WaitThreshold(), cfg.Engine.TransactionTimeout, m, logger)
	sweeper := service.NewEscalationService(engine, floorStore, sweepLock, service.EscalationConfig{
		Interval:   cfg.Sweep.Interval,
		MaxRunTime: cfg.Sweep.MaxRunTime,
		LockTTL:    cfg.Sweep.LockTTL,
		LockKey:    cfg.Sweep.LockKey,
	}, m, logger)
	idempotency := service.NewIdempotencyService(idempotencyStore, cfg.Idempotency.TTL, m, logger)

	if cfg.Sweep.Enabled {
		sweeper.Start()
		defer sweeper.Stop()
	}

	// HTTP
	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(engine, sweeper, idempotency, floorStore, b, errorHandler, handler.Options{
		ConflictRetries: cfg.Engine.ConflictRetries,
		RequestTimeout:  cfg.Engine.TransactionTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Session: session.Config{
			SendBuffer:      cfg.Session.SendBuffer,
			WriteTimeout:    cfg.Session.WriteTimeout,
			PongWait:        cfg.Session.PongWait,
			PingPeriod:      cfg.Session.PingPeriod,
			MaxMessageSize:  cfg.Session.MaxMessageSize,
			ControlRate:     cfg.Session.ControlRate,
			ControlBurst:    cfg.Session.ControlBurst,
			SnapshotTimeout: cfg.Session.SnapshotTimeout,
		},
	}, m, logger)
	healthChecker := health.NewHealthChecker(floorStore, idempotencyStore, sweepLock, logger)
	httpServer := server.NewServer(cfg, handlers, healthChecker, errorHandler, m, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gctx)
	})

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, logger)
		g.Go(metricsServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown metrics server", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}
