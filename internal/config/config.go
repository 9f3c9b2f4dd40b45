// Package config provides configuration management for FeatureMill.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all FeatureMill configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Window    WindowConfig    `yaml:"window"`
	Hierarchy HierarchyConfig `yaml:"hierarchy"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Source    SourceConfig    `yaml:"source"`
	Sink      SinkConfig      `yaml:"sink"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings for the API rate limiter.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// WindowConfig holds trailing-window settings.
type WindowConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// Level is one stage of the fallback chain, most specific first.
type Level struct {
	Name       string `yaml:"name"`
	MinSamples int    `yaml:"min_samples"`
}

// HierarchyConfig holds the ordered fallback chain. The global default level
// is implicit and always last.
type HierarchyConfig struct {
	Levels []Level `yaml:"levels"`
}

// MetricsConfig names the requested metrics, their global defaults, and any
// sentinel codes to be treated as missing.
type MetricsConfig struct {
	Requested []string             `yaml:"requested"`
	Defaults  map[string]float64   `yaml:"defaults"`
	Sentinels map[string][]float64 `yaml:"sentinels"`
}

// NormalizeConfig holds z-score settings. Clip of 0 disables clipping.
type NormalizeConfig struct {
	Clip float64 `yaml:"clip"`
}

// PipelineConfig holds batch processing settings.
type PipelineConfig struct {
	Workers int `yaml:"workers"` // bound on in-flight API assembly
}

// SourceConfig selects and configures the event source.
type SourceConfig struct {
	Type   string       `yaml:"type"` // file, s3, sqlite
	Path   string       `yaml:"path"` // for type: file
	S3     S3Config     `yaml:"s3"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// S3Config holds S3 event source settings.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"` // for S3-compatible services
	UsePathStyle bool   `yaml:"use_path_style"`
}

// SQLiteConfig holds SQLite event source settings.
type SQLiteConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// SinkConfig selects and configures the output sink.
type SinkConfig struct {
	Type string `yaml:"type"` // jsonl, csv
	Path string `yaml:"path"`
}

// SnapshotConfig holds aggregator snapshot settings.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsPort    int     `yaml:"metrics_port"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ConfigurationError is a fatal configuration problem. It is surfaced at
// startup validation and never at per-event processing time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults. The hierarchy, requested metrics
// and their defaults have no useful zero value and must come from the file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Window: WindowConfig{
			Duration: 30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Workers: 8,
		},
		Source: SourceConfig{
			Type: "file",
		},
		Sink: SinkConfig{
			Type: "jsonl",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "featuremill",
			MetricsEnabled: true,
			MetricsPort:    9090,
			SamplingRate:   1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration invariants up front so that no per-event
// processing can ever hit a configuration problem.
func (c *Config) Validate() error {
	if c.Window.Duration <= 0 {
		return &ConfigurationError{Field: "window.duration", Reason: "must be positive"}
	}
	if len(c.Hierarchy.Levels) == 0 {
		return &ConfigurationError{Field: "hierarchy.levels", Reason: "at least one level required"}
	}
	seen := make(map[string]bool, len(c.Hierarchy.Levels))
	for i, lvl := range c.Hierarchy.Levels {
		if lvl.Name == "" {
			return &ConfigurationError{
				Field:  fmt.Sprintf("hierarchy.levels[%d].name", i),
				Reason: "must not be empty",
			}
		}
		if lvl.Name == "global" {
			return &ConfigurationError{
				Field:  fmt.Sprintf("hierarchy.levels[%d].name", i),
				Reason: `"global" is reserved for the implicit final level`,
			}
		}
		if seen[lvl.Name] {
			return &ConfigurationError{
				Field:  fmt.Sprintf("hierarchy.levels[%d].name", i),
				Reason: "duplicate level name " + lvl.Name,
			}
		}
		seen[lvl.Name] = true
		if lvl.MinSamples < 0 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("hierarchy.levels[%d].min_samples", i),
				Reason: "must not be negative",
			}
		}
	}
	if len(c.Metrics.Requested) == 0 {
		return &ConfigurationError{Field: "metrics.requested", Reason: "at least one metric required"}
	}
	for _, m := range c.Metrics.Requested {
		if _, ok := c.Metrics.Defaults[m]; !ok {
			return &ConfigurationError{
				Field:  "metrics.defaults",
				Reason: "missing global default for requested metric " + m,
			}
		}
	}
	if c.Normalize.Clip < 0 {
		return &ConfigurationError{Field: "normalize.clip", Reason: "must not be negative"}
	}
	if c.Pipeline.Workers <= 0 {
		return &ConfigurationError{Field: "pipeline.workers", Reason: "must be positive"}
	}
	switch c.Source.Type {
	case "file", "s3", "sqlite":
	default:
		return &ConfigurationError{Field: "source.type", Reason: "must be one of file, s3, sqlite"}
	}
	switch c.Sink.Type {
	case "jsonl", "csv":
	default:
		return &ConfigurationError{Field: "sink.type", Reason: "must be one of jsonl, csv"}
	}
	return nil
}

// IsSentinel reports whether v is a configured sentinel code for metric m.
// Sentinels are treated as missing values and go through the fallback chain.
func (c *Config) IsSentinel(m string, v float64) bool {
	for _, s := range c.Metrics.Sentinels[m] {
		if v == s {
			return true
		}
	}
	return false
}
