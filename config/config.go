package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MasterConfig holds master-wide configurations.
type MasterConfig struct {
	DataDir     string `yaml:"data_dir"`
	LockTimeout string `yaml:"lock_timeout"`
	// StartupGrace delays resuming interrupted recoveries after a restart.
	StartupGrace string `yaml:"startup_grace"`
}

// JournalConfig holds metadata journal configurations.
type JournalConfig struct {
	MaxSegmentSizeBytes int64 `yaml:"max_segment_size_bytes"`
}

// CheckpointConfig holds checkpoint configurations.
type CheckpointConfig struct {
	Interval       string `yaml:"interval"`
	TailBytes      int64  `yaml:"tail_bytes"`
	Compression    string `yaml:"compression"`
	Retain         int    `yaml:"retain"`
	PruneJournal   bool   `yaml:"prune_journal"`
	BestEffortLoad bool   `yaml:"best_effort_load"`
}

// RecoveryConfig holds lineage recovery configurations.
type RecoveryConfig struct {
	MaxParallel    int    `yaml:"max_parallel"`
	MaxAttempts    int    `yaml:"max_attempts"`
	JobTimeout     string `yaml:"job_timeout"`
	ClosureTimeout string `yaml:"closure_timeout"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// LineageConfig holds the rules submitted lineage must follow. Zero values
// disable a rule.
type LineageConfig struct {
	MaxInputs    int      `yaml:"max_inputs"`
	MaxOutputs   int      `yaml:"max_outputs"`
	AllowedKinds []string `yaml:"allowed_kinds"`
	MaxSpecBytes int      `yaml:"max_spec_bytes"`
}

// ClusterConfig holds worker tracking configurations.
type ClusterConfig struct {
	HeartbeatTimeout  string   `yaml:"heartbeat_timeout"`
	LossGracePeriod   string   `yaml:"loss_grace_period"`
	LossCheckInterval string   `yaml:"loss_check_interval"`
	DurableTiers      []string `yaml:"durable_tiers"`
	// LocalWorker runs command jobs in-process as worker 1.
	LocalWorker LocalWorkerConfig `yaml:"local_worker"`
}

// LocalWorkerConfig configures the single-process worker.
type LocalWorkerConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Address  string           `yaml:"address"`
	FileRoot string           `yaml:"file_root"`
	Tier     string           `yaml:"tier"`
	Capacity map[string]int64 `yaml:"capacity"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Master         MasterConfig         `yaml:"master"`
	Journal        JournalConfig        `yaml:"journal"`
	Checkpoint     CheckpointConfig     `yaml:"checkpoint"`
	Recovery       RecoveryConfig       `yaml:"recovery"`
	Lineage        LineageConfig        `yaml:"lineage"`
	Cluster        ClusterConfig        `yaml:"cluster"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Master: MasterConfig{
			DataDir:      "./data",
			LockTimeout:  "5s",
			StartupGrace: "30s",
		},
		Journal: JournalConfig{
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
		},
		Checkpoint: CheckpointConfig{
			Interval:     "300s",
			TailBytes:    16 * 1024 * 1024, // 16 MiB
			Compression:  "snappy",
			Retain:       2,
			PruneJournal: true,
		},
		Recovery: RecoveryConfig{
			MaxParallel:    4,
			MaxAttempts:    3,
			JobTimeout:     "5m",
			ClosureTimeout: "30m",
			InitialBackoff: "100ms",
			MaxBackoff:     "10s",
		},
		Lineage: LineageConfig{
			MaxSpecBytes: 64 * 1024,
		},
		Cluster: ClusterConfig{
			HeartbeatTimeout:  "10s",
			LossGracePeriod:   "30s",
			LossCheckInterval: "1s",
			LocalWorker: LocalWorkerConfig{
				Enabled:  true,
				Address:  "local",
				FileRoot: "./data/files",
				Tier:     "SSD",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "tierfs.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  true,
			Interval: "15s",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
