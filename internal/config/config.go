// Package config loads autoforge configuration from .autoforge/config.json
// with defaults and AUTOFORGE_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration.
type Config struct {
	Workspace    string             `json:"workspace"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Session      SessionConfig      `json:"session"`
	Monitor      MonitorConfig      `json:"monitor"`
	Locks        LocksConfig        `json:"locks"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Bus          BusConfig          `json:"bus"`
	Logging      LoggingConfig      `json:"logging"`
}

// OrchestratorConfig tunes the dispatcher.
type OrchestratorConfig struct {
	MaxConcurrentSessions int               `json:"max_concurrent_sessions"`
	PerAgentTypeCaps      map[string]int    `json:"per_agent_type_caps,omitempty"`
	DispatchInterval      time.Duration     `json:"dispatch_interval"`
	SpecDir               string            `json:"spec_dir"`
}

// SessionConfig tunes worker spawning and cancellation.
type SessionConfig struct {
	WorkerBinary      string        `json:"worker_binary"`
	HeartbeatAddr     string        `json:"heartbeat_addr"` // localhost ingestion endpoint
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	GracePeriod       time.Duration `json:"grace_period"` // SIGTERM -> SIGKILL
}

// MonitorConfig tunes stuck detection and deadlines.
type MonitorConfig struct {
	PollInterval       time.Duration `json:"poll_interval"`
	WarnThreshold      time.Duration `json:"warn_threshold"`
	StuckThreshold     time.Duration `json:"stuck_threshold"` // alert tier
	InterruptThreshold time.Duration `json:"interrupt_threshold"`
	SimpleTaskTimeout  time.Duration `json:"simple_task_timeout"`
	ComplexTaskTimeout time.Duration `json:"complex_task_timeout"`
	RetentionDays      int           `json:"retention_days"`
}

// LocksConfig tunes the file-lock service.
type LocksConfig struct {
	DefaultTTL   time.Duration `json:"default_ttl"`
	ReapInterval time.Duration `json:"reap_interval"`
}

// KnowledgeConfig tunes promotion of items to universal patterns.
type KnowledgeConfig struct {
	PromotionThreshold float64 `json:"promotion_threshold"`
	MinObservations    int     `json:"min_observations"`
	RecencyWeight      float64 `json:"recency_weight"` // weight of the newer confidence on merge
}

// BusConfig tunes delivery retries.
type BusConfig struct {
	MaxDeliveryAttempts int           `json:"max_delivery_attempts"`
	RetryBackoffBase    time.Duration `json:"retry_backoff_base"`
}

// LoggingConfig mirrors the logging package's config section.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Default returns the documented defaults for the given workspace.
func Default(workspace string) *Config {
	return &Config{
		Workspace: workspace,
		Orchestrator: OrchestratorConfig{
			MaxConcurrentSessions: 5,
			DispatchInterval:      5 * time.Second,
			SpecDir:               filepath.Join(workspace, ".autoforge", "specs"),
		},
		Session: SessionConfig{
			WorkerBinary:      "autoforge-worker",
			HeartbeatAddr:     "127.0.0.1:7433",
			HeartbeatInterval: 30 * time.Second,
			GracePeriod:       10 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:       2 * time.Minute,
			WarnThreshold:      5 * time.Minute,
			StuckThreshold:     10 * time.Minute,
			InterruptThreshold: 30 * time.Minute,
			SimpleTaskTimeout:  15 * time.Minute,
			ComplexTaskTimeout: 60 * time.Minute,
			RetentionDays:      14,
		},
		Locks: LocksConfig{
			DefaultTTL:   20 * time.Minute,
			ReapInterval: time.Minute,
		},
		Knowledge: KnowledgeConfig{
			PromotionThreshold: 0.9,
			MinObservations:    3,
			RecencyWeight:      0.3,
		},
		Bus: BusConfig{
			MaxDeliveryAttempts: 5,
			RetryBackoffBase:    100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads .autoforge/config.json under the workspace, applies it on top
// of the defaults, then applies environment overrides. A missing file is not
// an error; the defaults stand.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	path := filepath.Join(workspace, ".autoforge", "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentSessions < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_sessions must be >= 1")
	}
	if c.Knowledge.PromotionThreshold < 0 || c.Knowledge.PromotionThreshold > 1 {
		return fmt.Errorf("knowledge.promotion_threshold must be in [0,1]")
	}
	if c.Knowledge.RecencyWeight <= 0 || c.Knowledge.RecencyWeight >= 1 {
		return fmt.Errorf("knowledge.recency_weight must be in (0,1)")
	}
	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("session.grace_period must be positive")
	}
	return nil
}

// applyEnvOverrides maps AUTOFORGE_* environment variables onto the config.
// Only the knobs operators actually reach for are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOFORGE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.MaxConcurrentSessions = n
		}
	}
	if v := os.Getenv("AUTOFORGE_WORKER_BINARY"); v != "" {
		cfg.Session.WorkerBinary = v
	}
	if v := os.Getenv("AUTOFORGE_HEARTBEAT_ADDR"); v != "" {
		cfg.Session.HeartbeatAddr = v
	}
	if v := os.Getenv("AUTOFORGE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AUTOFORGE_STUCK_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.StuckThreshold = d
		}
	}
	if v := os.Getenv("AUTOFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AUTOFORGE_DEBUG"); v != "" {
		cfg.Logging.DebugMode = v == "1" || v == "true"
	}
}
