package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the tunables for the focus manager and its ambient stack.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Focus     FocusConfig     `koanf:"focus"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// FocusConfig carries the timing and observability tunables named in the
// specification: the release-timeout, the sync-read bound, the history
// ring size, and the anomaly-reporting feature flag.
type FocusConfig struct {
	ReleaseTimeout      time.Duration `koanf:"release_timeout"`
	SyncReadTimeout     time.Duration `koanf:"sync_read_timeout"`
	HistorySize         int           `koanf:"history_size"`
	AnomalyReportOnSync bool          `koanf:"anomaly_report_on_focus_timeout"`
	EventQueueSize      int           `koanf:"event_queue_size"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
}

// Load loads configuration from defaults, an optional YAML file, and
// environment variables prefixed CFM_ (Connection Focus Manager), in
// that order of increasing precedence.
func Load(configPath ...string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Focus: FocusConfig{
			ReleaseTimeout:      5000 * time.Millisecond,
			SyncReadTimeout:     1000 * time.Millisecond,
			HistorySize:         20,
			AnomalyReportOnSync: false,
			EventQueueSize:      256,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			OTLPEndpoint:  "http://localhost:4317",
			SamplingRate:  0.1,
			ExportTimeout: 10 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	cfgPath := "configs/config.yaml"
	if len(configPath) > 0 && configPath[0] != "" {
		cfgPath = configPath[0]
	}
	if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
		// Config file is optional; absence is not fatal.
	}

	if err := k.Load(env.Provider("CFM_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "CFM_"))
		for _, section := range []string{"focus_", "telemetry_"} {
			if strings.HasPrefix(key, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Focus.ReleaseTimeout <= 0 {
		cfg.Focus.ReleaseTimeout = 5000 * time.Millisecond
	}
	if cfg.Focus.SyncReadTimeout <= 0 {
		cfg.Focus.SyncReadTimeout = 1000 * time.Millisecond
	}
	if cfg.Focus.HistorySize <= 0 {
		cfg.Focus.HistorySize = 20
	}
	if cfg.Focus.EventQueueSize <= 0 {
		cfg.Focus.EventQueueSize = 256
	}

	return &cfg, nil
}
