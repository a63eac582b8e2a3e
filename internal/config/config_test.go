package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default("/tmp/ws")

	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentSessions)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.Monitor.StuckThreshold)
	assert.Equal(t, 15*time.Minute, cfg.Monitor.SimpleTaskTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Monitor.ComplexTaskTimeout)
	assert.Equal(t, 0.9, cfg.Knowledge.PromotionThreshold)
	assert.Equal(t, 3, cfg.Knowledge.MinObservations)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentSessions)
}

func TestLoadReadsConfigFile(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".autoforge"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(ws, ".autoforge", "config.json"),
		[]byte(`{"orchestrator": {"max_concurrent_sessions": 9}}`),
		0644))

	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Orchestrator.MaxConcurrentSessions)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOFORGE_MAX_SESSIONS", "2")
	t.Setenv("AUTOFORGE_WORKER_BINARY", "/opt/worker")
	t.Setenv("AUTOFORGE_STUCK_THRESHOLD", "3m")
	t.Setenv("AUTOFORGE_DEBUG", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrentSessions)
	assert.Equal(t, "/opt/worker", cfg.Session.WorkerBinary)
	assert.Equal(t, 3*time.Minute, cfg.Monitor.StuckThreshold)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero sessions":    func(c *Config) { c.Orchestrator.MaxConcurrentSessions = 0 },
		"threshold over 1": func(c *Config) { c.Knowledge.PromotionThreshold = 1.5 },
		"weight at bound":  func(c *Config) { c.Knowledge.RecencyWeight = 1 },
		"no grace period":  func(c *Config) { c.Session.GracePeriod = 0 },
	}
	for name, mutate := range cases {
		cfg := Default("/tmp/ws")
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
