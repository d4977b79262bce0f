package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Pool.MaxConcurrentAgents)
	assert.Equal(t, 20, cfg.Pool.MaxTotalAgents)
	assert.Equal(t, 10, cfg.Swarm.MaxHandoffs)
	assert.Equal(t, 6, cfg.Swarm.Repetition.Window)
	assert.Equal(t, 25*time.Second, cfg.Stream.HeartbeatInterval)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Store.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9090
pool:
  max_concurrent_agents: 3
  max_total_agents: 12
swarm:
  max_handoffs: 4
  repetition:
    window: 8
    min_unique_agents: 2
stream:
  heartbeat_interval: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 3, cfg.Pool.MaxConcurrentAgents)
	assert.Equal(t, 4, cfg.Swarm.MaxHandoffs)
	assert.Equal(t, 8, cfg.Swarm.Repetition.Window)
	assert.Equal(t, 10*time.Second, cfg.Stream.HeartbeatInterval)
	// Untouched values keep their defaults.
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 9090\n")

	t.Setenv("SWARMFLOW_SERVER_HTTP_PORT", "7070")
	t.Setenv("SWARMFLOW_POOL_MAX_TOTAL_AGENTS", "40")
	t.Setenv("SWARMFLOW_POOL_MAX_EXECUTION_TIME", "3m")
	t.Setenv("SWARMFLOW_LOG_LEVEL", "debug")
	t.Setenv("SWARMFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/swarmflow.log")
	t.Setenv("SWARMFLOW_REDIS_ENABLED", "true")
	t.Setenv("SWARMFLOW_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 40, cfg.Pool.MaxTotalAgents)
	assert.Equal(t, 3*time.Minute, cfg.Pool.MaxExecutionTime)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/var/log/swarmflow.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_NestedBreakerEnv(t *testing.T) {
	t.Setenv("SWARMFLOW_POOL_BREAKER_FAILURE_THRESHOLD", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pool.Breaker.FailureThreshold)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"zero concurrency", func(c *Config) { c.Pool.MaxConcurrentAgents = 0 }},
		{"total below concurrent", func(c *Config) { c.Pool.MaxTotalAgents = 1 }},
		{"zero handoffs", func(c *Config) { c.Swarm.MaxHandoffs = 0 }},
		{"negative retries", func(c *Config) { c.Swarm.ExecutorRetries = -1 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"store without dsn", func(c *Config) { c.Store.Enabled = true; c.Store.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}
