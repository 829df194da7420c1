// Keelguard - Cancellation fraud detection for boat rental bookings.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/keelguard/internal/aggregator"
	"github.com/opensource-finance/keelguard/internal/api"
	"github.com/opensource-finance/keelguard/internal/baseline"
	"github.com/opensource-finance/keelguard/internal/bus"
	"github.com/opensource-finance/keelguard/internal/cache"
	"github.com/opensource-finance/keelguard/internal/config"
	"github.com/opensource-finance/keelguard/internal/detector"
	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/enrich"
	"github.com/opensource-finance/keelguard/internal/health"
	"github.com/opensource-finance/keelguard/internal/mlclient"
	"github.com/opensource-finance/keelguard/internal/observability"
	"github.com/opensource-finance/keelguard/internal/profile"
	"github.com/opensource-finance/keelguard/internal/repository"
	"github.com/opensource-finance/keelguard/internal/rules"
	"github.com/opensource-finance/keelguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KEELGUARD_CONFIG"), "path to a YAML/JSON/TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := observability.InitLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting keelguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_enabled", cfg.Model.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(cfg.Tracing)

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		mp, handler, err := observability.InitMetrics()
		if err != nil {
			slog.Error("failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		defer mp.Shutdown(context.Background())
		if metrics, err = observability.NewMetrics(mp); err != nil {
			slog.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		metricsHandler = handler
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	enricher, err := enrich.Open(cfg.Enrich.GeoIPPath, logger)
	if err != nil {
		slog.Error("failed to open geoip database", "error", err)
		os.Exit(1)
	}
	defer enricher.Close()

	custom, err := rules.NewCustomRules()
	if err != nil {
		slog.Error("failed to initialize custom rules", "error", err)
		os.Exit(1)
	}
	loadCustomRules(ctx, repo, custom)
	scorer := rules.NewScorer(cfg.Scoring, custom)

	// Learned model behind the health monitor
	aggOpts := []aggregator.Option{
		aggregator.WithMetrics(metrics),
		aggregator.WithLogger(logger),
	}
	var monitor *health.Monitor
	if cfg.Model.Enabled {
		client := mlclient.New(cfg.Model)
		monitor = health.NewMonitor(cfg.Health, client.Status,
			health.WithLogger(logger),
			health.OnTransition(metrics.RecordTransition),
		)
		go monitor.Run(ctx)
		aggOpts = append(aggOpts, aggregator.WithModel(client, monitor))
		slog.Info("learned model enabled", "base_url", cfg.Model.BaseURL)
	} else {
		slog.Info("learned model disabled, scoring rule-based only")
	}
	agg := aggregator.New(scorer, cfg.Scoring.BlendWeight, aggOpts...)

	store := profile.NewStore(cfg.Profile,
		profile.WithRepository(repo),
		profile.WithMetrics(metrics),
		profile.WithLogger(logger),
	)

	comparator := baseline.NewComparator(store, repo,
		baseline.WithService(baseline.NewServiceClient(cfg.Baseline, logger)),
		baseline.WithCache(cacheImpl, cfg.Baseline.CacheTTL),
		baseline.WithMetrics(metrics),
		baseline.WithLogger(logger),
	)
	if cfg.Baseline.SeedDefaults {
		if _, err := comparator.Seed(ctx); err != nil {
			slog.Error("failed to seed baseline", "error", err)
			os.Exit(1)
		}
	}

	detOpts := []detector.Option{
		detector.WithBus(busImpl),
		detector.WithComparer(comparator),
		detector.WithCache(cacheImpl),
		detector.WithEnricher(enricher),
		detector.WithFlagThreshold(cfg.Profile.FlagThreshold),
		detector.WithMetrics(metrics),
		detector.WithLogger(logger),
	}
	deps := api.Deps{
		Repo:          repo,
		Cache:         cacheImpl,
		Bus:           busImpl,
		Profiles:      store,
		Comparator:    comparator,
		Rules:         custom,
		FlagThreshold: cfg.Profile.FlagThreshold,
		Version:       Version,
	}
	if monitor != nil {
		detOpts = append(detOpts, detector.WithHealth(monitor))
		deps.ModelHealth = monitor
	}
	det := detector.New(repo, store, agg, detOpts...)
	deps.Detector = det

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, det, logger)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, deps, metricsHandler, cfg.Metrics.Path)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("keelguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the worker after the server so queued events from late requests drain
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("keelguard shutdown complete")
}

// loadCustomRules loads stored custom rules. The engine starts with none when
// the database cannot be read; rules can still be added via the API.
func loadCustomRules(ctx context.Context, repo domain.Repository, custom *rules.CustomRules) {
	stored, err := repo.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules from database", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no custom rules in database - configure via POST /rules API")
		return
	}
	if err := custom.Reload(stored); err != nil {
		slog.Warn("failed to load custom rules", "error", err)
		return
	}
	slog.Info("custom rules loaded", "stored", len(stored), "active", custom.Count())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KEELGUARD                 |")
	fmt.Println("  |     Booking Cancellation Fraud Engine     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /booking-events                  - Ingest a booking or cancellation")
	fmt.Println("    POST /analyze-fraud                   - Score without recording")
	fmt.Println("    GET  /fraud-profile/{userId}          - Fraud profile of a user")
	fmt.Println("    GET  /flagged-users                   - Users at or above a threshold")
	fmt.Println("    GET  /fraud-statistics                - Platform statistics")
	fmt.Println("    GET  /compare-with-hotel/{userId}     - Compare with the hotel baseline")
	fmt.Println("    GET  /cancellation-reason-analysis    - Cancellation reason keywords")
	fmt.Println("    GET  /python-service-status           - Learned model health")
	fmt.Println("    POST /rules                           - Create a custom rule")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
