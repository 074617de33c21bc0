// jobs-service is the HTTP API server for the GPU batch-compute core.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mimiry/internal/api"
	"mimiry/internal/config"
	"mimiry/internal/health"
	"mimiry/internal/job"
	"mimiry/internal/monitor"
	"mimiry/internal/observability"
	"mimiry/internal/provider"
	providerdocker "mimiry/internal/provider/docker"
	providerec2 "mimiry/internal/provider/ec2"
	"mimiry/internal/reaper"
	"mimiry/internal/scheduler"
	"mimiry/internal/token"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Job store: SQLite when a path is configured, in-memory otherwise
	var store job.Store
	var pinger health.Pinger
	if svcCfg.JobStorePath != "" {
		sqliteStore, err := job.NewSQLiteStore(svcCfg.JobStorePath)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		store = sqliteStore
		pinger = sqliteStore
		slog.Info("Using SQLite job store", "path", svcCfg.JobStorePath)
	} else {
		store = job.NewMemoryStore()
		slog.Warn("Using in-memory job store - jobs are lost on restart")
	}

	// Register provider adapters
	registry := provider.NewRegistry()

	if config.GetBoolEnv("LOCAL_PROVIDER_ENABLED", true) {
		localAdapter, err := providerdocker.New()
		if err != nil {
			slog.Warn("Local Docker provider unavailable", "error", err)
		} else {
			registry.Register(providerdocker.Slug, "Local Docker", localAdapter)
		}
	}

	if config.GetBoolEnv("EC2_ENABLED", false) {
		ec2Adapter, err := providerec2.New(ctx, providerec2.LoadConfigFromEnv())
		if err != nil {
			return err
		}
		registry.Register(providerec2.Slug, "AWS EC2", ec2Adapter)
	}

	if registry.Len() == 0 {
		slog.Warn("No provider adapters registered - job placement will not work")
	} else {
		slog.Info("Provider adapters registered", "count", registry.Len())
	}

	// Core components
	tokens := token.NewService()
	instanceReaper := reaper.New(reaper.LoadConfigFromEnv(), registry, metrics)
	manager := job.NewManager(store, tokens, registry, instanceReaper, metrics)
	placementScheduler := scheduler.New(manager, registry, instanceReaper, metrics,
		scheduler.LoadPolicyFromEnv(), svcCfg.CallbackBaseURL)
	timeoutMonitor := monitor.New(manager, registry, metrics, monitor.IntervalFromEnv())
	healthChecker := health.NewChecker(pinger, registry.Len())

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Manager:         manager,
		Catalog:         provider.NewCatalog(registry, svcCfg.CatalogTTL),
		Registry:        registry,
		Tokens:          tokens,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		APIKey:          svcCfg.APIKey,
		DefaultProvider: svcCfg.DefaultProvider,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start background loops
	placementScheduler.Start()
	timeoutMonitor.Start()

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		placementScheduler.Stop()
		timeoutMonitor.Stop()
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop background loops and drain pending terminations.
	// Instances already running keep going; their agents will phone home
	// to the next process and the monitor will pick up where it left off.
	placementScheduler.Stop()
	timeoutMonitor.Stop()

	slog.Info("Draining instance reaper")
	reaperCtx, reaperCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer reaperCancel()
	if err := instanceReaper.Close(reaperCtx); err != nil {
		slog.Warn("Reaper shutdown error", "error", err)
	}

	stats := instanceReaper.Stats()
	slog.Info("Reaper stats",
		"terminated", stats.Terminated,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
