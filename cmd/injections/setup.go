package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-injections/internal/cluster"
	"github.com/withObsrvr/obsrvr-injections/internal/config"
	"github.com/withObsrvr/obsrvr-injections/internal/executor"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
	"github.com/withObsrvr/obsrvr-injections/internal/pipeline"
	"github.com/withObsrvr/obsrvr-injections/internal/storage"
)

// loadConfig resolves defaults, file, environment, then explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()

	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("gp") {
		cfg.Pipeline.GP, _ = flags.GetBool("gp")
	}
	if flags.Changed("recover") {
		cfg.Run.Recover, _ = flags.GetBool("recover")
	}
	if flags.Changed("profile-dir") {
		cfg.Run.ProfileDir, _ = flags.GetString("profile-dir")
	}

	return cfg, nil
}

// engine holds everything needed to run queries in this process.
type engine struct {
	handler cluster.Handler
	store   storage.ResultStore
}

func (e *engine) Close() {
	e.store.Close()
}

// newEngine wires the pipeline, result store and executor. Tasks are
// recorded in catalog.
func newEngine(ctx context.Context, cfg config.Config, catalog metadata.Writer, m *metrics.Metrics) (*engine, error) {
	backend := pipeline.NewHTTPBackend(cfg.Pipeline.BackendURL,
		pipeline.WithHTTPClient(&http.Client{Timeout: cfg.Pipeline.Timeout}),
		pipeline.WithRetry(cfg.Pipeline.RetryAttempts, cfg.Pipeline.RetryDelay),
		pipeline.WithMetrics(m),
	)

	pipe, err := pipeline.Setup(backend, pipeline.Options{
		GP:        cfg.Pipeline.GP,
		Cache:     cfg.Pipeline.Cache,
		CacheSize: cfg.Pipeline.CacheSize,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("set up pipeline: %w", err)
	}

	store, err := storage.NewResultStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create result store: %w", err)
	}

	exec := executor.New(store,
		executor.WithRecoverOnError(cfg.Run.Recover),
		executor.WithCatalog(catalog),
		executor.WithMetrics(m),
		executor.WithProducer(storage.ProducerInfo{Name: "injections", Version: Version, GitSHA: GitSHA}),
	)

	return &engine{
		handler: func(ctx context.Context, q injection.Query) (string, error) {
			return exec.Run(ctx, executor.Task{Pipeline: pipe, Query: q})
		},
		store: store,
	}, nil
}

// startMetrics serves Prometheus metrics in the background when enabled.
func startMetrics(ctx context.Context, cfg config.Config) *metrics.Metrics {
	m := metrics.Init("injections", prometheus.DefaultRegisterer)
	if !cfg.Metrics.Enabled {
		return m
	}

	log := logging.Component("metrics")
	go func() {
		log.Info("serving metrics", "address", cfg.Metrics.Address)
		if err := metrics.StartServer(ctx, cfg.Metrics.Address, prometheus.DefaultGatherer); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return m
}

func setupLogging(cfg config.Config) *slog.Logger {
	logging.Setup(cfg.Log)
	return logging.Component("main")
}
