// Package config loads server configuration from environment variables,
// an optional kg.yaml file, and flag overrides, layered with viper the
// way the teacher's internal/config/yaml_config.go does.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults match spec.md §4.B/§4.F/§4.G.
const (
	DefaultMemoryFilePath           = "./memory.jsonl"
	DefaultSnapshotEventThreshold   = 1000
	DefaultSnapshotMaxAge           = 24 * time.Hour
	DefaultSnapshotMaxLogBytes      = 50 * 1024 * 1024
	DefaultBroadcastBufferSize      = 1024
	DefaultBroadcastBatchWindowMs   = 50
	DefaultBroadcastBatchThreshold  = 100
	DefaultInferMaxDepth            = 3
	DefaultInferMinConfidence       = 0.5
	DefaultSequenceGapFullRefresh   = 100
	DefaultReadGraphPageSize        = 50
	DefaultTraverseMaxResults       = 50
	DefaultPaginationLimitCeiling   = 1000
)

// Config holds all server tuning knobs.
type Config struct {
	MemoryFilePath         string        `mapstructure:"memory_file_path"`
	EventSourcingEnabled   bool          `mapstructure:"event_sourcing_enabled"`
	SnapshotEventThreshold int           `mapstructure:"snapshot_event_threshold"`
	SnapshotMaxAge         time.Duration `mapstructure:"snapshot_max_age"`
	SnapshotMaxLogBytes    int64         `mapstructure:"snapshot_max_log_bytes"`
	BroadcastBuffer        int           `mapstructure:"broadcast_buffer"`
	BroadcastBatchWindowMs int           `mapstructure:"broadcast_batch_window_ms"`
	BroadcastBatchThresh   int           `mapstructure:"broadcast_batch_threshold"`
	NATSEnabled            bool          `mapstructure:"nats_enabled"`
	NATSURL                string        `mapstructure:"nats_url"`
}

// Load builds a Config from environment variables (KG_ prefix plus the
// two spec-named variables MEMORY_FILE_PATH/EVENT_SOURCING_ENABLED),
// optionally overlaid with a kg.yaml file if present in the working
// directory or at configPath.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KG")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("memory_file_path", DefaultMemoryFilePath)
	v.SetDefault("event_sourcing_enabled", true)
	v.SetDefault("snapshot_event_threshold", DefaultSnapshotEventThreshold)
	v.SetDefault("snapshot_max_age", DefaultSnapshotMaxAge)
	v.SetDefault("snapshot_max_log_bytes", DefaultSnapshotMaxLogBytes)
	v.SetDefault("broadcast_buffer", DefaultBroadcastBufferSize)
	v.SetDefault("broadcast_batch_window_ms", DefaultBroadcastBatchWindowMs)
	v.SetDefault("broadcast_batch_threshold", DefaultBroadcastBatchThreshold)
	v.SetDefault("nats_enabled", false)
	v.SetDefault("nats_url", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("kg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// The two spec-named env vars are read directly (bypassing the KG_
	// prefix) since spec.md §6 names them verbatim, not the KG_ namespace.
	if mfp := os.Getenv("MEMORY_FILE_PATH"); mfp != "" {
		v.Set("memory_file_path", mfp)
	}
	if raw, ok := os.LookupEnv("EVENT_SOURCING_ENABLED"); ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			v.Set("event_sourcing_enabled", b)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// yamlDefaults mirrors Config but with plain `yaml` tags instead of
// viper's `mapstructure` tags, so WriteDefault produces a kg.yaml a
// human would actually want to read/edit — key order and comments
// matter for a starter file, which viper's own Unmarshal path doesn't
// preserve.
type yamlDefaults struct {
	MemoryFilePath         string `yaml:"memory_file_path"`
	EventSourcingEnabled   bool   `yaml:"event_sourcing_enabled"`
	SnapshotEventThreshold int    `yaml:"snapshot_event_threshold"`
	SnapshotMaxAgeHours    int    `yaml:"snapshot_max_age_hours"`
	SnapshotMaxLogBytes    int64  `yaml:"snapshot_max_log_bytes"`
	BroadcastBuffer        int    `yaml:"broadcast_buffer"`
	NATSEnabled            bool   `yaml:"nats_enabled"`
	NATSURL                string `yaml:"nats_url"`
}

// WriteDefault writes a starter kg.yaml at path, following the teacher's
// internal/config/local_config.go convention of a direct, hand-editable
// YAML file (as opposed to Load's env-var-first viper layering) for
// one-time project setup.
func WriteDefault(path string) error {
	defaults := yamlDefaults{
		MemoryFilePath:         DefaultMemoryFilePath,
		EventSourcingEnabled:   true,
		SnapshotEventThreshold: DefaultSnapshotEventThreshold,
		SnapshotMaxAgeHours:    int(DefaultSnapshotMaxAge.Hours()),
		SnapshotMaxLogBytes:    DefaultSnapshotMaxLogBytes,
		BroadcastBuffer:        DefaultBroadcastBufferSize,
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
