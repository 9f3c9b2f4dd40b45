package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Hierarchy.Levels = []Level{
		{Name: "aircraft", MinSamples: 5},
		{Name: "route", MinSamples: 10},
	}
	cfg.Metrics.Requested = []string{"dep_delay"}
	cfg.Metrics.Defaults = map[string]float64{"dep_delay": 0}
	return cfg
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero window", func(c *Config) { c.Window.Duration = 0 }, "window.duration"},
		{"no levels", func(c *Config) { c.Hierarchy.Levels = nil }, "hierarchy.levels"},
		{"reserved global level", func(c *Config) {
			c.Hierarchy.Levels = append(c.Hierarchy.Levels, Level{Name: "global"})
		}, "hierarchy.levels[2].name"},
		{"duplicate level", func(c *Config) {
			c.Hierarchy.Levels = append(c.Hierarchy.Levels, Level{Name: "aircraft"})
		}, "hierarchy.levels[2].name"},
		{"negative min_samples", func(c *Config) {
			c.Hierarchy.Levels[0].MinSamples = -1
		}, "hierarchy.levels[0].min_samples"},
		{"no metrics", func(c *Config) { c.Metrics.Requested = nil }, "metrics.requested"},
		{"missing default", func(c *Config) {
			c.Metrics.Requested = append(c.Metrics.Requested, "taxi_out")
		}, "metrics.defaults"},
		{"negative clip", func(c *Config) { c.Normalize.Clip = -1 }, "normalize.clip"},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"bad source type", func(c *Config) { c.Source.Type = "kafka" }, "source.type"},
		{"bad sink type", func(c *Config) { c.Sink.Type = "parquet" }, "sink.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %T", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cerr.Field)
			}
		})
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_FileOverridesDefaults(t *testing.T) {
	yaml := `
window:
  duration: 168h
hierarchy:
  levels:
    - name: route
      min_samples: 3
metrics:
  requested: [dep_delay]
  defaults:
    dep_delay: 2.5
  sentinels:
    dep_delay: [-999]
normalize:
  clip: 4
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Window.Duration != 168*time.Hour {
		t.Errorf("expected 168h window, got %v", cfg.Window.Duration)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Metrics.Defaults["dep_delay"] != 2.5 {
		t.Errorf("expected default 2.5, got %v", cfg.Metrics.Defaults["dep_delay"])
	}
	if !cfg.IsSentinel("dep_delay", -999) {
		t.Error("expected -999 to be a sentinel for dep_delay")
	}
	if cfg.IsSentinel("dep_delay", 0) {
		t.Error("0 must not be a sentinel")
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("window:\n  duration: -1h\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "configuration error") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
