package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/courierq/courier/internal/cache"
	"github.com/courierq/courier/internal/config"
	"github.com/courierq/courier/internal/engine"
	"github.com/courierq/courier/internal/handlers"
	"github.com/courierq/courier/internal/ratelimit"
	"github.com/courierq/courier/internal/registry"
	"github.com/courierq/courier/internal/server"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/storage/postgres"
	"github.com/courierq/courier/internal/storage/sqlite"
	"github.com/courierq/courier/internal/telemetry"
	"github.com/courierq/courier/internal/worker"
)

// store is the intersection of what the engine needs from a backend.
type store interface {
	storage.CommandStore
	storage.Feed
}

func openStore(cfg config.DatabaseConfig) (store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting courier", "version", version, "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)

	st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	// Telemetry
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(context.Background(),
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer shutdown(context.Background())
	}
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	// Read cache for terminal command records
	var c cache.Cache
	if cfg.Cache.Enabled {
		mem, err := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if err != nil {
			return fmt.Errorf("create cache: %w", err)
		}
		c = mem
	}

	// Handlers
	reg := registry.New()
	resolver := &dnscache.Resolver{}
	handlers.RegisterBuiltins(reg, handlers.NewFetch(resolver))

	// Worker identity: stable host part plus a unique suffix so two
	// processes on one machine never share a claim identity.
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "courier"
	}
	workerID := hostname + "-" + uuid.Must(uuid.NewV7()).String()

	opts := engine.Options{
		WorkerID:           workerID,
		MaxConcurrentTasks: cfg.Queue.MaxConcurrentTasks,
		HeartbeatInterval:  cfg.Queue.HeartbeatInterval,
		StaleThreshold:     cfg.Queue.StaleThreshold,
		DefaultTimeout:     cfg.Queue.DefaultTimeout,
		PollInterval:       cfg.Queue.PollInterval,
		ReclaimInterval:    cfg.Queue.ReclaimInterval,
		ShutdownGrace:      cfg.Queue.ShutdownGrace,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
	}

	svc := engine.NewService(st, c, cfg.Cache.DefaultTTL, metrics, cfg.Queue.DefaultMaxAttempts)

	pending := make(chan string, cfg.Queue.MaxConcurrentTasks*2)
	listener := engine.NewListener(st, st, pending, opts, metrics)
	dispatcher := engine.NewDispatcher(st, reg, pending, opts, metrics)
	reclaimer := engine.NewReclaimer(st, opts, metrics)

	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}
	var limiter *ratelimit.Registry
	if cfg.RateLimit.SubmitRPM > 0 {
		limiter = ratelimit.NewRegistry(cfg.RateLimit.SubmitRPM)
	}
	handler := server.New(server.Deps{
		Service:        svc,
		AuthToken:      cfg.Auth.Token,
		ReadyCheck:     st.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		RateLimiter:    limiter,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	runner := worker.NewRunner(listener, dispatcher, reclaimer)
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- runner.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("courier ready", "addr", cfg.Server.Addr, "worker_id", workerID)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		stop()
		<-workersDone
		return err
	}

	// The HTTP server drains first so no new commands arrive while the
	// dispatcher finishes in-flight work within its grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	if err := <-workersDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("courier stopped")
	return nil
}
