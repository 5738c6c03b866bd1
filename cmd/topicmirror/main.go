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
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lsm/topicmirror/internal/config"
	"github.com/lsm/topicmirror/internal/kafka"
	"github.com/lsm/topicmirror/internal/observability"
	"github.com/lsm/topicmirror/internal/pipeline"
	sourcekafka "github.com/lsm/topicmirror/internal/source/kafka"
	"github.com/lsm/topicmirror/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	configPath := config.ResolvePath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Apply(opts.overrides())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	level := observability.GetLogLevel(cfg.LogLevel)
	logger := observability.NewLogger("topicmirror", level)
	slog.SetDefault(logger)

	clientID := "topicmirror-" + uuid.NewString()
	cfg.Source.ClientID = clientID
	cfg.Dest.ClientID = clientID

	logger.Info("loaded config",
		"path", configPath,
		"topic", cfg.Topic,
		"src", cfg.Source.String(),
		"dst", cfg.Dest.String(),
		"dst_client", cfg.Dest.Client,
		"commit_mode", cfg.CommitMode,
		"client_id", clientID,
	)

	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthServer(reg)

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig("topicmirror"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           health.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, configPath, logger, func() {
			logger.Warn("config file changed; restart to apply", "path", configPath)
		})
		if err != nil {
			logger.Warn("config watch disabled", "path", configPath, "error", err)
		}
	}()

	if !opts.skipPreflight {
		if err := preflight(ctx, cfg, logger); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	src, err := sourcekafka.NewSource(sourceConfig(cfg), logger.With("loop", "reader"))
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	src.SetTracer(tracer)
	src.SetMetrics(metrics)

	sk, err := newSink(cfg, logger.With("loop", "writer"))
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("create sink: %w", err)
	}

	p := pipeline.New(pipelineConfig(cfg), src, sk, logger, metrics)
	p.SetTracer(tracer)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(runCtx)
	}()

	health.SetState(observability.StateRunning)
	logger.Info("topicmirror started")

	select {
	case err = <-runErr:
	case err = <-errCh:
		runCancel()
		<-runErr
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		health.SetState(observability.StateStopping)
		err = nil
	} else {
		health.SetState(observability.StateFailed)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := p.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("pipeline shutdown error", "error", shutdownErr)
	}
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("metrics server shutdown error", "error", shutdownErr)
		}
	}

	if err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func preflight(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pf, err := kafka.NewPreflight(&cfg.Source.ClusterConfig, &cfg.Dest.ClusterConfig, kafka.PreflightConfig{
		Topic:             cfg.Topic,
		CreateTopic:       cfg.Dest.CreateTopic,
		ReplicationFactor: cfg.Dest.ReplicationFactor,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pf.Close(); err != nil {
			logger.Error("failed to close admin clients", "error", err)
		}
	}()
	return pf.Run(ctx)
}
