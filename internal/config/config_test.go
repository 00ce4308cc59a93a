package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
engine:
  max_loops: 20
  max_parallel: 4
gate:
  max_active: 2
  registry_ttl: 2h
timeouts:
  default: 45s
memory:
  emotion_threshold: 0.5
  tiktoken: true
events:
  dir: /tmp/taskflow-events
  max_bytes: 1048576
  nats:
    enabled: true
    url: nats://localhost:4222
    token: gcpsm://nats-token
metrics:
  enabled: true
logging:
  level: debug
  format: json
cloud:
  provider: gcp
  project: my-project
agents:
  reviewer:
    command: /usr/local/bin/review
    args: ["--quiet"]
`

func loadFrom(t *testing.T, content string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), ".taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad(t *testing.T) {
	cfg := loadFrom(t, sampleConfig)

	assert.Equal(t, 20, cfg.Engine.MaxLoops)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 4, cfg.Engine.MaxParallel)
	assert.Equal(t, 2, cfg.Gate.MaxActive)
	assert.Equal(t, 2*time.Hour, cfg.Gate.RegistryTTL)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.LongRunning)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, 0.5, cfg.Memory.EmotionThreshold)
	assert.True(t, cfg.Memory.Tiktoken)
	assert.Equal(t, "cl100k_base", cfg.Memory.Encoding)
	assert.Equal(t, int64(1048576), cfg.Events.MaxBytes)
	assert.True(t, cfg.Events.NATS.Enabled)
	assert.Equal(t, "gcpsm://nats-token", cfg.Events.NATS.Token)
	assert.Equal(t, "taskflow.events", cfg.Events.NATS.Subject)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "my-project", cfg.Cloud.Project)
	assert.Equal(t, "/usr/local/bin/review", cfg.Agents["reviewer"].Command)
	assert.Equal(t, []string{"--quiet"}, cfg.Agents["reviewer"].Args)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMemoryDisabled(t *testing.T) {
	cfg := loadFrom(t, "memory:\n  enabled: false\n")
	assert.False(t, cfg.Memory.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	t.Setenv("TASKFLOW_ENGINE_MAX_LOOPS", "42")
	t.Setenv("TASKFLOW_LOGGING_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Engine.MaxLoops)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Engine.MaxLoops)
	assert.Equal(t, 1, cfg.Gate.MaxActive)
	assert.Equal(t, 24*time.Hour, cfg.Gate.RegistryTTL)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Default)
	assert.Equal(t, "keywords", cfg.Correction.Strategy)
	assert.True(t, cfg.Memory.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }, "engine.max_retries"},
		{"zero loops", func(c *Config) { c.Engine.MaxLoops = 0 }, "engine.max_loops"},
		{"zero active", func(c *Config) { c.Gate.MaxActive = 0 }, "gate.max_active"},
		{"long shorter than default", func(c *Config) { c.Timeouts.LongRunning = time.Second }, "timeouts.long_running"},
		{"threshold out of range", func(c *Config) { c.Memory.EmotionThreshold = 1.5 }, "memory.emotion_threshold"},
		{"decay zero", func(c *Config) { c.Memory.MemoryDecay = 0 }, "memory.memory_decay"},
		{"negative max bytes", func(c *Config) { c.Events.MaxBytes = -1 }, "events.max_bytes"},
		{"bad strategy", func(c *Config) { c.Correction.Strategy = "pray" }, "invalid correction strategy"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid logging format"},
		{"bad provider", func(c *Config) { c.Cloud.Provider = "aws" }, "invalid cloud provider"},
		{"metadata needs gcp", func(c *Config) { c.Cloud.StatusMetadata = true }, "status_metadata"},
		{"agent without command", func(c *Config) { c.Agents = map[string]AgentConfig{"lint": {}} }, "agents.lint.command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxLoops = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_loops")
	assert.Contains(t, err.Error(), "invalid logging format")
}
