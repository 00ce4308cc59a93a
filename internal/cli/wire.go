package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/cloud/gcp"
	"github.com/andywolf/taskflow/internal/config"
	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/engine"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/metrics"
	"github.com/andywolf/taskflow/internal/orchestrator"
	"github.com/andywolf/taskflow/internal/snapshot"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/supervisor"
	"github.com/andywolf/taskflow/internal/task"
	"github.com/andywolf/taskflow/internal/tool"
)

// app holds the components a command builds from the configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *events.Bus
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *sri.Store
	protocol *sri.Protocol
	snapshot *snapshot.Store
	cloud    gcp.Logger
	status   gcp.StatusPublisher
	orch     *orchestrator.Orchestrator
	closers  []func() error
}

// loadConfig reads and validates the configuration viper was pointed at.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		MaxActive: cfg.Gate.MaxActive,
		MaxDepth:  cfg.Gate.MaxDepth,
		Engine: engine.Config{
			MaxLoops:    cfg.Engine.MaxLoops,
			MaxRetries:  cfg.Engine.MaxRetries,
			MaxParallel: cfg.Engine.MaxParallel,
			WorkDir:     cfg.Engine.WorkDir,
		},
		Supervisor: supervisor.Config{
			DefaultTimeout:     cfg.Timeouts.Default,
			LongRunningTimeout: cfg.Timeouts.LongRunning,
			ErrorLoopThreshold: cfg.Timeouts.ErrorLoopThreshold,
		},
		Registry: task.RegistryConfig{
			Capacity:         cfg.Gate.RegistrySize,
			TTL:              cfg.Gate.RegistryTTL,
			MaxEventsPerTask: cfg.Gate.MaxEventsPerTask,
		},
	}
}

func storeConfig(cfg *config.Config) sri.StoreConfig {
	return sri.StoreConfig{
		EmotionThreshold: cfg.Memory.EmotionThreshold,
		MaxMemories:      cfg.Memory.MaxMemories,
		MemoryDecay:      cfg.Memory.MemoryDecay,
	}
}

func optimizerConfig(cfg *config.Config) sri.OptimizerConfig {
	return sri.OptimizerConfig{
		ContextWindow:   cfg.Memory.ContextWindow,
		RecallThreshold: cfg.Memory.RecallThreshold,
		MaxInjected:     cfg.Memory.MaxInjected,
	}
}

func newCorrector(cfg *config.Config, logger *zap.Logger) *correction.AutoCorrector {
	if cfg.Correction.Strategy == "none" {
		return correction.New(correction.TransientOnly{}, logger)
	}
	return correction.New(correction.Keywords{}, logger)
}

func registerAgents(agents map[string]config.AgentConfig) {
	for name, a := range agents {
		agent.RegisterCommand(name, a.Command, a.Args, a.Env, a.Dir)
	}
}

// newApp builds every component cfg enables. planner may be nil. The caller
// must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, planner orchestrator.Planner) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(logger)}

	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.metrics = metrics.MustNew(a.registry)
	}

	if err := a.openMemory(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	if err := a.attachSinks(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	deps := orchestrator.Deps{
		Agents:    agent.RegistryExecutor{},
		Tools:     tool.RegistryExecutor{Root: cfg.Engine.WorkDir},
		Planner:   planner,
		SRI:       a.protocol,
		Corrector: newCorrector(cfg, logger),
		Bus:       a.bus,
		Logger:    logger,
	}
	if a.metrics != nil {
		deps.Recorder = a.metrics
	}
	if a.cloud != nil {
		deps.CloudLogger = a.cloud
	}
	a.orch = orchestrator.New(orchestratorConfig(cfg), deps)
	return a, nil
}

func (a *app) openMemory(ctx context.Context) error {
	cfg := a.cfg
	if !cfg.Memory.Enabled {
		return nil
	}

	a.store = sri.NewStore(storeConfig(cfg), a.logger)
	counter, err := sri.NewTokenCounter(cfg.Memory.Tiktoken, cfg.Memory.Encoding)
	if err != nil {
		a.logger.Warn("falling back to heuristic token counting",
			zap.String("encoding", cfg.Memory.Encoding), zap.Error(err))
	}
	opts := []sri.OptimizerOption{sri.WithTokenCounter(counter), sri.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, sri.WithRecorder(a.metrics))
		metrics.RegisterMemoryGauge(a.registry, a.store.Len)
	}
	a.protocol = sri.NewProtocol(a.store, sri.NewOptimizer(a.store, optimizerConfig(cfg), opts...))

	if cfg.Snapshot.Path == "" {
		return nil
	}
	snap, err := snapshot.Open(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	memories, err := snap.Load(ctx)
	if err != nil {
		// Not assigned to a.snapshot: closing the app would save the empty
		// store over the unreadable snapshot.
		_ = snap.Close()
		return fmt.Errorf("failed to load snapshot %s: %w", cfg.Snapshot.Path, err)
	}
	a.snapshot = snap
	n := a.store.Import(memories)
	a.logger.Info("memories restored", zap.Int("count", n), zap.String("path", snap.Path()))
	return nil
}

func (a *app) attachSinks(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Events.Dir != "" {
		fs, err := events.NewFileSink(cfg.Events.Dir, events.WithMaxBytes(cfg.Events.MaxBytes))
		if err != nil {
			return err
		}
		a.attach(fs)
	}

	if cfg.Events.NATS.Enabled {
		token, err := resolveSecret(ctx, cfg.Events.NATS.Token)
		if err != nil {
			return err
		}
		ns, err := events.NewNATSSink(events.NATSConfig{
			URL:     cfg.Events.NATS.URL,
			Subject: cfg.Events.NATS.Subject,
			Token:   token,
		})
		if err != nil {
			return err
		}
		a.attach(ns)
	}

	if cfg.Cloud.Provider == "gcp" {
		l := gcp.NewLogger(ctx, gcp.LoggerConfig{
			ProjectID: cfg.Cloud.Project,
			LogID:     cfg.Cloud.LogID,
		})
		a.cloud = l
		a.attach(l)
	}

	if cfg.Cloud.StatusMetadata {
		p, err := gcp.NewMetadataPublisher(ctx)
		if err != nil {
			return err
		}
		a.status = p
	}
	return nil
}

func (a *app) attach(s events.Sink) {
	unsubscribe := a.bus.Attach(s)
	a.closers = append(a.closers, func() error {
		unsubscribe()
		return s.Close()
	})
}

// close persists the episodic store and closes every sink, newest first.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.snapshot != nil {
		if a.store != nil {
			if err := a.snapshot.Save(ctx, a.store.Export()); err != nil {
				errs = append(errs, err)
			} else {
				a.logger.Info("memories saved", zap.Int("count", a.store.Len()), zap.String("path", a.snapshot.Path()))
			}
		}
		errs = append(errs, a.snapshot.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// resolveSecret dereferences Secret Manager references and returns any other
// value unchanged.
func resolveSecret(ctx context.Context, value string) (string, error) {
	if !gcp.IsSecretRef(value) {
		return value, nil
	}
	client, err := gcp.NewSecretManagerClient(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()
	return gcp.ResolveSecret(ctx, client, value)
}
