package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glassboxstack/glassbox-explain/internal/api"
	"github.com/glassboxstack/glassbox-explain/internal/cache"
	"github.com/glassboxstack/glassbox-explain/internal/config"
	"github.com/glassboxstack/glassbox-explain/internal/dataset"
	"github.com/glassboxstack/glassbox-explain/internal/explain"
	"github.com/glassboxstack/glassbox-explain/internal/importance"
	"github.com/glassboxstack/glassbox-explain/internal/metrics"
	"github.com/glassboxstack/glassbox-explain/internal/models"
	"github.com/glassboxstack/glassbox-explain/internal/scoring"
	"github.com/glassboxstack/glassbox-explain/internal/services"
	"github.com/glassboxstack/glassbox-explain/internal/store"
	"github.com/glassboxstack/glassbox-explain/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting explain-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:        cfg.Cache.Addr,
			Username:    cfg.Cache.Username,
			Password:    cfg.Cache.Password,
			DB:          cfg.Cache.DB,
			DialTimeout: cfg.Cache.DialTimeout,
			OpTimeout:   cfg.Cache.OpTimeout,
			TLS:         cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, continuing without", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	model, err := scoring.LoadLogisticModel(cfg.Model.Path)
	if err != nil {
		logger.Error("failed to load model pack", slog.String("path", cfg.Model.Path), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("model loaded",
		slog.String("digest", model.Digest()),
		slog.Int("variables", len(model.Schema())))

	population, err := loadPopulation(cfg, logger)
	if err != nil {
		logger.Error("failed to load reference population", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("reference population loaded", slog.Int("rows", len(population)))

	baseline, err := explain.NewBaseline(model, population)
	if err != nil {
		logger.Error("failed to build baseline", slog.Any("error", err))
		os.Exit(1)
	}
	engine := explain.NewEngine(logger, baseline)
	orchestrator := explain.NewOrchestrator(logger, engine, explain.OrchestratorOptions{
		MaxConcurrency: cfg.Batch.MaxConcurrency,
		RetryBackoff:   cfg.Batch.RetryBackoff,
	})

	historyStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open explanation store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer historyStore.Close()

	miner := importance.NewMiner(logger, historyStore)

	service := services.NewExplainService(logger, engine, orchestrator, historyStore, miner, cacheProvider, services.Options{
		ModelDigest:  model.Digest(),
		CacheTTL:     cfg.Cache.ResultTTL,
		BatchTimeout: cfg.Batch.Timeout,
	})

	server, err := api.NewServer(cfg.Server, api.NewRouter(logger, service))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("explain-engine stopped")
}

// loadPopulation prefers the local CSV path, falling back to the feature
// store when only a base URL is configured.
func loadPopulation(cfg *config.Config, logger *slog.Logger) ([]models.FeatureVector, error) {
	if cfg.Data.PopulationPath != "" {
		_, rows, err := dataset.LoadPopulation(cfg.Data.PopulationPath)
		if err == nil || cfg.Data.FeatureStore.BaseURL == "" {
			return rows, err
		}
		logger.Warn("population CSV unavailable, trying feature store", slog.Any("error", err))
	}

	client := dataset.NewFeatureStoreClient(
		cfg.Data.FeatureStore.BaseURL,
		cfg.Data.FeatureStore.RowsPath,
		cfg.Data.FeatureStore.ObservationsPath,
		cfg.Data.FeatureStore.Timeout,
	)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Data.FeatureStore.Timeout)
	defer cancel()
	_, rows, err := client.FetchPopulation(ctx)
	return rows, err
}
