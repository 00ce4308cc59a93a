package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full taskflow configuration.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Gate       GateConfig       `mapstructure:"gate"`
	Timeouts   TimeoutsConfig   `mapstructure:"timeouts"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Correction CorrectionConfig `mapstructure:"correction"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cloud      CloudConfig      `mapstructure:"cloud"`

	// Agents registers external command agents by name.
	Agents map[string]AgentConfig `mapstructure:"agents"`
}

// EngineConfig tunes todo execution within one task.
type EngineConfig struct {
	MaxLoops    int    `mapstructure:"max_loops"`
	MaxRetries  int    `mapstructure:"max_retries"`
	MaxParallel int    `mapstructure:"max_parallel"`
	WorkDir     string `mapstructure:"work_dir"`
}

// AgentConfig describes an agent backed by an external command. The prompt
// is passed on stdin.
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
	Dir     string   `mapstructure:"dir"`
}

// GateConfig bounds concurrent tasks and the task registry.
type GateConfig struct {
	MaxActive        int           `mapstructure:"max_active"`
	MaxDepth         int           `mapstructure:"max_depth"`
	RegistrySize     int           `mapstructure:"registry_size"`
	RegistryTTL      time.Duration `mapstructure:"registry_ttl"`
	MaxEventsPerTask int           `mapstructure:"max_events_per_task"`
}

// TimeoutsConfig tunes the supervisor.
type TimeoutsConfig struct {
	Default            time.Duration `mapstructure:"default"`
	LongRunning        time.Duration `mapstructure:"long_running"`
	ErrorLoopThreshold int           `mapstructure:"error_loop_threshold"`
}

// MemoryConfig tunes the episodic store and context optimizer.
type MemoryConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	EmotionThreshold float64       `mapstructure:"emotion_threshold"`
	MaxMemories      int           `mapstructure:"max_memories"`
	MemoryDecay      float64       `mapstructure:"memory_decay"`
	DecayInterval    time.Duration `mapstructure:"decay_interval"`
	ContextWindow    int           `mapstructure:"context_window"`
	RecallThreshold  float64       `mapstructure:"recall_threshold"`
	MaxInjected      int           `mapstructure:"max_injected"`
	Tiktoken         bool          `mapstructure:"tiktoken"`
	Encoding         string        `mapstructure:"encoding"`
}

// CorrectionConfig selects the failure analysis strategy. "none" disables
// local recovery; failures are then retried only when transient.
type CorrectionConfig struct {
	Strategy string `mapstructure:"strategy"`
}

// EventsConfig selects where lifecycle events are forwarded.
// MaxBytes rotates the JSONL log; zero disables rotation.
type EventsConfig struct {
	Dir      string     `mapstructure:"dir"`
	MaxBytes int64      `mapstructure:"max_bytes"`
	NATS     NATSConfig `mapstructure:"nats"`
}

// NATSConfig configures the NATS event sink. Token may be a Secret Manager
// reference ("gcpsm://name").
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Token   string `mapstructure:"token"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SnapshotConfig configures the SQLite memory snapshot.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CloudConfig configures the GCP integrations.
type CloudConfig struct {
	Provider       string `mapstructure:"provider"`
	Project        string `mapstructure:"project"`
	LogID          string `mapstructure:"log_id"`
	StatusMetadata bool   `mapstructure:"status_metadata"`
}

// Load loads configuration from viper, which the CLI has already pointed at
// a file and the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	viper.SetDefault("memory.enabled", true)
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// envKeys can be set from the environment even when absent from the file.
var envKeys = []string{
	"engine.max_loops",
	"engine.max_retries",
	"engine.work_dir",
	"gate.max_active",
	"memory.enabled",
	"events.dir",
	"events.nats.enabled",
	"events.nats.url",
	"events.nats.token",
	"metrics.enabled",
	"metrics.addr",
	"snapshot.path",
	"logging.level",
	"logging.format",
	"cloud.provider",
	"cloud.project",
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Memory: MemoryConfig{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.MaxLoops == 0 {
		cfg.Engine.MaxLoops = 10
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 3
	}

	if cfg.Gate.MaxActive == 0 {
		cfg.Gate.MaxActive = 1
	}
	if cfg.Gate.MaxDepth == 0 {
		cfg.Gate.MaxDepth = 3
	}
	if cfg.Gate.RegistrySize == 0 {
		cfg.Gate.RegistrySize = 1024
	}
	if cfg.Gate.RegistryTTL == 0 {
		cfg.Gate.RegistryTTL = 24 * time.Hour
	}
	if cfg.Gate.MaxEventsPerTask == 0 {
		cfg.Gate.MaxEventsPerTask = 500
	}

	if cfg.Timeouts.Default == 0 {
		cfg.Timeouts.Default = 30 * time.Second
	}
	if cfg.Timeouts.LongRunning == 0 {
		cfg.Timeouts.LongRunning = 5 * time.Minute
	}
	if cfg.Timeouts.ErrorLoopThreshold == 0 {
		cfg.Timeouts.ErrorLoopThreshold = 3
	}

	if cfg.Memory.EmotionThreshold == 0 {
		cfg.Memory.EmotionThreshold = 0.7
	}
	if cfg.Memory.MaxMemories == 0 {
		cfg.Memory.MaxMemories = 1000
	}
	if cfg.Memory.MemoryDecay == 0 {
		cfg.Memory.MemoryDecay = 0.95
	}
	if cfg.Memory.DecayInterval == 0 {
		cfg.Memory.DecayInterval = time.Hour
	}
	if cfg.Memory.ContextWindow == 0 {
		cfg.Memory.ContextWindow = 3
	}
	if cfg.Memory.RecallThreshold == 0 {
		cfg.Memory.RecallThreshold = 0.3
	}
	if cfg.Memory.MaxInjected == 0 {
		cfg.Memory.MaxInjected = 5
	}
	if cfg.Memory.Encoding == "" {
		cfg.Memory.Encoding = "cl100k_base"
	}

	if cfg.Correction.Strategy == "" {
		cfg.Correction.Strategy = "keywords"
	}

	if cfg.Events.NATS.Subject == "" {
		cfg.Events.NATS.Subject = "taskflow.events"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Cloud.LogID == "" {
		cfg.Cloud.LogID = "taskflow"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.MaxLoops < 1 {
		errs = append(errs, fmt.Errorf("engine.max_loops must be at least 1, got %d", c.Engine.MaxLoops))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must not be negative, got %d", c.Engine.MaxRetries))
	}
	if c.Engine.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("engine.max_parallel must not be negative, got %d", c.Engine.MaxParallel))
	}
	if c.Gate.MaxActive < 1 {
		errs = append(errs, fmt.Errorf("gate.max_active must be at least 1, got %d", c.Gate.MaxActive))
	}
	if c.Gate.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("gate.max_depth must not be negative, got %d", c.Gate.MaxDepth))
	}
	if c.Timeouts.Default <= 0 || c.Timeouts.LongRunning <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Timeouts.LongRunning < c.Timeouts.Default {
		errs = append(errs, fmt.Errorf("timeouts.long_running (%s) must not be shorter than timeouts.default (%s)",
			c.Timeouts.LongRunning, c.Timeouts.Default))
	}

	if c.Memory.EmotionThreshold < 0 || c.Memory.EmotionThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.emotion_threshold must be in [0,1], got %g", c.Memory.EmotionThreshold))
	}
	if c.Memory.MemoryDecay <= 0 || c.Memory.MemoryDecay > 1 {
		errs = append(errs, fmt.Errorf("memory.memory_decay must be in (0,1], got %g", c.Memory.MemoryDecay))
	}
	if c.Memory.RecallThreshold < 0 || c.Memory.RecallThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.recall_threshold must be in [0,1], got %g", c.Memory.RecallThreshold))
	}

	if c.Events.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("events.max_bytes must not be negative, got %d", c.Events.MaxBytes))
	}

	if c.Correction.Strategy != "keywords" && c.Correction.Strategy != "none" {
		errs = append(errs, fmt.Errorf("invalid correction strategy: %s (must be keywords or none)", c.Correction.Strategy))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid logging level: %s", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid logging format: %s (must be console or json)", c.Logging.Format))
	}

	if c.Cloud.Provider != "" && c.Cloud.Provider != "gcp" {
		errs = append(errs, fmt.Errorf("invalid cloud provider: %s (only gcp is supported)", c.Cloud.Provider))
	}
	if c.Cloud.StatusMetadata && c.Cloud.Provider != "gcp" {
		errs = append(errs, errors.New("cloud.status_metadata requires cloud.provider gcp"))
	}

	for name, a := range c.Agents {
		if a.Command == "" {
			errs = append(errs, fmt.Errorf("agents.%s.command is required", name))
		}
	}

	return errors.Join(errs...)
}
