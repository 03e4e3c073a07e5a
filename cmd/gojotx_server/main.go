package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sushant-115/gojotx/api/httpapi"
	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/core/execution"
	"github.com/sushant-115/gojotx/core/service"
	"github.com/sushant-115/gojotx/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/connection"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	envFile    = flag.String("env_file", ".env", "Optional .env file loaded before the configuration is expanded")
	httpAddr   = flag.String("http_addr", "", "HTTP bind address, overrides the configuration")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("CRITICAL: Can't load configuration: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: gojotx server failed", zap.Error(err))
	}
	zlogger.Info("gojotx server shut down gracefully.")
}

// openConnectionSource opens the PostgreSQL resource groups. Without groups
// the coordinator gets no source and connection requests fail with
// transaction.ErrNoConnectionSource.
func openConnectionSource(ctx context.Context, groups map[string]connection.PgxGroupConfig, zlogger *zap.Logger) (transaction.ConnectionSource, func(), error) {
	if len(groups) == 0 {
		zlogger.Warn("No resource groups configured, connection requests will fail")
		return nil, func() {}, nil
	}
	pgx, err := connection.NewPgxGroupSource(ctx, groups, zlogger)
	if err != nil {
		return nil, nil, err
	}
	return pgx, pgx.Close, nil
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx := context.Background()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewTxMetrics(tel.Meter)
	if err != nil {
		return err
	}

	// --- Resource groups ---
	source, closeSource, err := openConnectionSource(ctx, cfg.ResourceGroups, zlogger)
	if err != nil {
		return err
	}
	defer closeSource()

	// --- Semaphores ---
	var semaphores service.SemaphoreStore
	switch cfg.Semaphore.Store {
	case config.SemaphoreStoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Semaphore.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			zlogger.Warn("Redis not reachable yet, semaphore calls will fail until it is", zap.String("addr", cfg.Semaphore.RedisAddr), zap.Error(err))
		}
		semaphores = service.NewRedisSemaphoreStore(client, cfg.Semaphore.RedisPrefix)
	default:
		semaphores = service.NewMemorySemaphoreStore()
	}

	// --- Transaction core ---
	coordinator := transaction.NewCoordinator(cfg.Transaction, source, nil, zlogger, metrics)
	registry := service.NewRegistry()
	registry.SetSemaphoreDefaults(service.SemaphoreDefaults{
		Ignore:  cfg.Semaphore.Ignore,
		Sleep:   cfg.Semaphore.Sleep,
		Timeout: cfg.Semaphore.Timeout,
	})
	if err := service.RegisterBuiltins(registry); err != nil {
		return err
	}
	facade := service.NewFacade(registry, coordinator, semaphores, zlogger, tel.Tracer, metrics)

	// --- Workers ---
	factory := execution.NewFactory(facade, zlogger, metrics)
	pool := execution.NewPool(cfg.Workers.Pool, factory, zlogger)
	scheduler := execution.NewScheduler(cfg.Workers.Scheduled, factory, zlogger, metrics)
	if cfg.Workers.MonitorInterval > 0 {
		monitor := execution.ExpiredTransactionMonitor(coordinator, cfg.Workers.MonitorInterval,
			cfg.Workers.EndExpiredAfter, cfg.Workers.EndExpiredAfter > 0, zlogger)
		if err := scheduler.Schedule(monitor); err != nil {
			return err
		}
	}

	// --- HTTP ---
	handler := httpapi.NewHandler(pool, factory, facade, tel.MetricsHandler, zlogger)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Routes(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		zlogger.Info("Starting gojotx HTTP server", zap.String("addr", cfg.HTTPAddr), zap.Strings("services", registry.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			zlogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlogger.Error("Error shutting down HTTP server", zap.Error(err))
	}
	scheduler.Stop()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		zlogger.Error("Error shutting down worker pool", zap.Error(err))
	}
	if n := coordinator.LiveCount(); n > 0 {
		zlogger.Warn("Transactions still live at shutdown", zap.Int("count", n))
	}
	return nil
}
