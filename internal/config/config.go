// Package config resolves the Casparian home directory and loads the process
// configuration from <home>/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Home layout.
const (
	EnvHome     = "CASPARIAN_HOME"
	defaultDir  = ".casparian_flow"
	StateDBName = "state.sqlite"
	QueryDBName = "query.duckdb"
)

var (
	homeOnce sync.Once
	homePath string
)

// Home returns the Casparian home directory: $CASPARIAN_HOME if set, else
// $HOME/.casparian_flow. Resolved once per process; read-only thereafter.
func Home() string {
	homeOnce.Do(func() {
		if h := os.Getenv(EnvHome); h != "" {
			homePath = h
			return
		}
		userHome, err := os.UserHomeDir()
		if err != nil {
			// Last resort: current directory keeps the process usable.
			userHome = "."
		}
		homePath = filepath.Join(userHome, defaultDir)
	})
	return homePath
}

// StateDBPath returns the control-plane sqlite path under home.
func StateDBPath(home string) string { return filepath.Join(home, StateDBName) }

// QueryDBPath returns the analytical duckdb path under home.
func QueryDBPath(home string) string { return filepath.Join(home, QueryDBName) }

// LogsDir returns the log directory under home.
func LogsDir(home string) string { return filepath.Join(home, "logs") }

// JobLogPath returns the per-job log file path under home.
func JobLogPath(home, jobID string) string {
	return filepath.Join(home, "logs", "jobs", jobID+".log")
}

// LoggingConfig controls the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
}

// QueueConfig controls claim leases and the retry policy. The backoff curve
// is configuration, not a constant: transient failures wait
// base * 2^attempts, capped at max.
type QueueConfig struct {
	LeaseSeconds        int `json:"lease_seconds"`
	MaxAttempts         int `json:"max_attempts"`
	RetryBackoffBaseMs  int `json:"retry_backoff_base_ms"`
	RetryBackoffMaxMs   int `json:"retry_backoff_max_ms"`
	WorkerSlots         int `json:"worker_slots"`
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
}

// Lease returns the claim lease duration.
func (q QueueConfig) Lease() time.Duration {
	return time.Duration(q.LeaseSeconds) * time.Second
}

// Backoff returns the delay before re-queueing a transient failure.
func (q QueueConfig) Backoff(attempts int) time.Duration {
	base := time.Duration(q.RetryBackoffBaseMs) * time.Millisecond
	max := time.Duration(q.RetryBackoffMaxMs) * time.Millisecond
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ScannerConfig controls catalog scanning.
type ScannerConfig struct {
	Workers        int  `json:"workers"`
	FollowSymlinks bool `json:"follow_symlinks"`
	IncludeHidden  bool `json:"include_hidden"`
}

// BridgeConfig controls the parser runtime bridge.
type BridgeConfig struct {
	ProtocolVersion int `json:"protocol_version"`
	GraceSeconds    int `json:"grace_seconds"`
	MaxFrameBytes   int `json:"max_frame_bytes"`
}

// GracePeriod returns the cooperative-cancellation grace period.
func (b BridgeConfig) GracePeriod() time.Duration {
	return time.Duration(b.GraceSeconds) * time.Second
}

// Config is the whole process configuration.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`
	Scanner ScannerConfig `json:"scanner"`
	Bridge  BridgeConfig  `json:"bridge"`
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Queue: QueueConfig{
			LeaseSeconds:        60,
			MaxAttempts:         3,
			RetryBackoffBaseMs:  500,
			RetryBackoffMaxMs:   30000,
			WorkerSlots:         4,
			HeartbeatIntervalMs: 15000,
		},
		Scanner: ScannerConfig{Workers: 20},
		Bridge: BridgeConfig{
			ProtocolVersion: 1,
			GraceSeconds:    5,
			MaxFrameBytes:   64 << 20,
		},
	}
}

// Load reads <home>/config.json, returning Default() when the file is
// missing. A malformed file is an error rather than a silent default.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(home, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to <home>/config.json.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(home, "config.json"), data, 0644)
}

// DumpJSON renders the effective configuration for `casparian config --json`.
func DumpJSON(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
