// Package main provides the FeatureMill batch replay driver. It loads a
// historical event set from the configured source, replays it through the
// pipeline in timestamp order, writes resolved vectors to the configured
// sink, and prints a coverage report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/featuremill/featuremill/internal/config"
	"github.com/featuremill/featuremill/internal/eval"
	"github.com/featuremill/featuremill/internal/event"
	"github.com/featuremill/featuremill/internal/feature/window"
	"github.com/featuremill/featuremill/internal/filter"
	"github.com/featuremill/featuremill/internal/observability"
	"github.com/featuremill/featuremill/internal/pipeline"
	"github.com/featuremill/featuremill/internal/sink"
	"github.com/featuremill/featuremill/internal/source"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	filterPath := flag.String("filter", "", "Optional JSON filter payload; only matching events are replayed")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("featuremill-replay %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath, *filterPath); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, filterPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName + "-replay",
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return err
	}
	logger := tel.Logger()

	ctx := context.Background()

	src, err := source.New(ctx, cfg.Source)
	if err != nil {
		return err
	}
	if err := src.HealthCheck(ctx); err != nil {
		return fmt.Errorf("source %s unavailable: %w", src.Name(), err)
	}

	events, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("load from %s: %w", src.Name(), err)
	}
	logger.Info("Events loaded",
		zap.String("source", src.Name()),
		zap.Int("count", len(events)))

	if filterPath != "" {
		events, err = applyFilter(filterPath, events, logger)
		if err != nil {
			return err
		}
	}

	// Replay always starts from cold windows: restoring a snapshot here
	// would double-count any overlap with the loaded history.
	agg := window.New(cfg.Window.Duration)
	pipe, err := pipeline.New(cfg, agg, logger, tel.Metrics())
	if err != nil {
		return err
	}

	results := pipe.Run(ctx, events)

	out, err := sink.New(cfg.Sink, pipe.RequestedMetrics())
	if err != nil {
		return err
	}
	for _, res := range results {
		if err := out.Write(res); err != nil {
			out.Close()
			return fmt.Errorf("sink write: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("sink close: %w", err)
	}

	if cfg.Snapshot.Enabled && cfg.Snapshot.Path != "" {
		if err := agg.Snapshot(cfg.Snapshot.Path); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		logger.Info("Windows persisted", zap.String("path", cfg.Snapshot.Path))
	}

	report := eval.Evaluate(results)
	fmt.Print(report.String())
	return nil
}

// applyFilter reads a filter payload from disk and keeps only matching events.
func applyFilter(path string, events []*event.Event, logger *zap.Logger) ([]*event.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	var payload filter.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	f, err := filter.Build(&payload)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	kept := events[:0]
	for _, ev := range events {
		if f.Match(ev) {
			kept = append(kept, ev)
		}
	}
	logger.Info("Filter applied",
		zap.Int("constraints", payload.Flatten()),
		zap.Int("matched", len(kept)),
		zap.Int("dropped", len(events)-len(kept)))
	return kept, nil
}
