// Package main provides the entry point for the FeatureMill server.
// It serves hierarchical feature resolution over rolling windows: events go
// in, resolved and normalized feature vectors come out.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/api"
	"github.com/featuremill/featuremill/internal/api/gateway"
	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/feature/window"
	"github.com/featuremill/featuremill/internal/observability"
	"github.com/featuremill/featuremill/internal/pipeline"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("FeatureMill %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()
	logger.Info("Starting FeatureMill",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Restore windows from the last snapshot when configured, otherwise
	// start cold.
	var agg *window.Aggregator
	if cfg.Snapshot.Enabled && cfg.Snapshot.Path != "" {
		agg, err = window.Restore(cfg.Snapshot.Path, cfg.Window.Duration)
		if err != nil {
			logger.Fatal("Snapshot restore failed", zap.Error(err))
		}
		logger.Info("Windows restored",
			zap.String("path", cfg.Snapshot.Path),
			zap.Int("pairs", agg.Pairs()))
	} else {
		agg = window.New(cfg.Window.Duration)
	}

	pipe, err := pipeline.New(cfg, agg, logger, tel.Metrics())
	if err != nil {
		logger.Fatal("Pipeline init failed", zap.Error(err))
	}

	hub := api.NewStreamHub(logger)
	srv := api.NewServer(cfg, pipe, tel, hub)

	// Rate limiting sits in front of the API only when Redis is configured;
	// the limiter itself fails open on Redis errors.
	var middlewares []func(http.Handler) http.Handler
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		limiter := gateway.NewRateLimiter(rdb, gateway.RateLimitConfig{
			DefaultRequestsPerMinute: 300,
			Endpoints:                gateway.DefaultEndpointLimits(),
			IncludeHeaders:           true,
		}, logger)
		middlewares = append(middlewares, limiter.Middleware(nil))
		logger.Info("Rate limiting enabled", zap.String("redis", cfg.Redis.Addr))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(middlewares...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Telemetry.MetricsEnabled {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
			Handler: tel.MetricsHandler(),
		}
		go func() {
			logger.Info("Metrics listening", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		tel.StartSystemMetricsCollector(ctx)
	}

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	// Persist windows so a restart can resume without replaying history.
	if cfg.Snapshot.Enabled && cfg.Snapshot.Path != "" {
		if err := agg.Snapshot(cfg.Snapshot.Path); err != nil {
			logger.Error("Final snapshot failed", zap.Error(err))
		} else {
			logger.Info("Windows persisted", zap.String("path", cfg.Snapshot.Path))
		}
	}

	tel.Shutdown(shutdownCtx)
	logger.Info("Server stopped")
}
