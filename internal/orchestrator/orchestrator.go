// Package orchestrator turns prompts into tasks, plans them into todo graphs
// and runs them through the gate and the execution engine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/engine"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/gate"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/supervisor"
	"github.com/andywolf/taskflow/internal/task"
	"github.com/andywolf/taskflow/internal/todo"
	"github.com/andywolf/taskflow/internal/tool"
)

// Errors returned by the orchestrator.
var (
	ErrMaxDepth    = errors.New("max depth exceeded")
	ErrNotRetrying = errors.New("task cannot be retried")
	ErrNoTask      = errors.New("message did not start a task")
)

// DefaultConversationAgent answers conversation prompts.
const DefaultConversationAgent = "echo"

// CloudLogger receives the orchestrator's operational log lines.
type CloudLogger interface {
	Info(msg string)
	Warning(msg string)
	Error(msg string)
}

// Recorder is the union of the measurement hooks of the gate and the engine.
type Recorder interface {
	gate.Recorder
	engine.Recorder
}

// Config tunes the orchestrator and the components it builds.
type Config struct {
	MaxActive         int
	MaxDepth          int
	ConversationAgent string
	Engine            engine.Config
	Supervisor        supervisor.Config
	Registry          task.RegistryConfig
}

// Deps are the collaborators an Orchestrator is built from. Only Agents is
// required.
type Deps struct {
	Agents      agent.Executor
	Tools       tool.Executor
	Classifier  Classifier
	Inbound     gate.InboundClassifier
	Planner     Planner
	SRI         *sri.Protocol
	Corrector   *correction.AutoCorrector
	Bus         *events.Bus
	Recorder    Recorder
	CloudLogger CloudLogger
	Logger      *zap.Logger
	// Sleep overrides the engine's retry wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator owns one gate, one supervisor and one engine.
type Orchestrator struct {
	cfg         Config
	classifier  Classifier
	planner     Planner
	engine      *engine.Engine
	gate        *gate.Gate
	sup         *supervisor.Supervisor
	registry    *task.Registry
	bus         *events.Bus
	sri         *sri.Protocol
	cloudLogger CloudLogger
	logger      *zap.Logger
	unsubscribe func()
}

// New wires an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = task.DefaultMaxDepth
	}
	if cfg.ConversationAgent == "" {
		cfg.ConversationAgent = DefaultConversationAgent
	}
	if deps.Classifier == nil {
		deps.Classifier = KeywordClassifier{}
	}
	if deps.Planner == nil {
		deps.Planner = HeuristicPlanner{}
	}
	if deps.Tools == nil {
		deps.Tools = tool.RegistryExecutor{}
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	o := &Orchestrator{
		cfg:         cfg,
		classifier:  deps.Classifier,
		planner:     deps.Planner,
		registry:    task.NewRegistry(cfg.Registry),
		bus:         bus,
		sri:         deps.SRI,
		cloudLogger: deps.CloudLogger,
		logger:      logger.Named("orchestrator"),
	}
	o.unsubscribe = bus.Subscribe(o.registry)

	o.sup = supervisor.New(cfg.Supervisor, nil, logger)

	opts := []engine.Option{
		engine.WithSupervisor(o.sup),
		engine.WithObserver(bus),
		engine.WithLogger(logger),
	}
	if deps.SRI != nil {
		opts = append(opts, engine.WithSRI(deps.SRI))
	}
	if deps.Corrector != nil {
		opts = append(opts, engine.WithCorrector(deps.Corrector))
	}
	if deps.Sleep != nil {
		opts = append(opts, engine.WithSleep(deps.Sleep))
	}
	var gateRecorder gate.Recorder
	if deps.Recorder != nil {
		opts = append(opts, engine.WithRecorder(deps.Recorder))
		gateRecorder = deps.Recorder
	}
	o.engine = engine.New(cfg.Engine, deps.Agents, deps.Tools, opts...)

	o.gate = gate.New(gate.Config{
		MaxActive:  cfg.MaxActive,
		Classifier: deps.Inbound,
		Recorder:   gateRecorder,
	}, gate.RunnerFunc(o.execute), o.sup, o.registry, bus, logger)
	return o
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Registry returns the task registry.
func (o *Orchestrator) Registry() *task.Registry { return o.registry }

// CreateTask classifies prompt and builds a pending task for it.
func (o *Orchestrator) CreateTask(ctx context.Context, prompt string) (task.Task, error) {
	c, err := o.classifier.Classify(ctx, prompt)
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to classify prompt: %w", err)
	}
	t := task.New(prompt, c.Kind)
	t.MaxDepth = o.cfg.MaxDepth
	t.LongRunning = gate.IsLongRunning(prompt)
	t.Metadata["classification"] = c
	for k, v := range c.Params {
		t.Metadata[k] = v
	}
	return t, nil
}

// Submit creates a task for prompt and hands it to the gate, which may treat
// the prompt as a status check, an interrupt or a continuation of the active
// task instead.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (gate.Response, error) {
	t, err := o.CreateTask(ctx, prompt)
	if err != nil {
		return gate.Response{}, err
	}
	resp, err := o.gate.Submit(t)
	if err != nil {
		o.logError("Failed to submit task %s: %v", t.ID, err)
		return resp, err
	}
	if resp.Admission != nil {
		o.logInfo("Task %s admitted (%s, queued=%t)", resp.Admission.TaskID, t.Kind, resp.Admission.Queued)
	}
	return resp, nil
}

// Run submits prompt and waits for the resulting task to finish.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (task.Task, error) {
	resp, err := o.Submit(ctx, prompt)
	if err != nil {
		return task.Task{}, err
	}
	if resp.Admission == nil {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNoTask, resp.Request.Kind)
	}
	return o.gate.Await(ctx, resp.Admission.TaskID)
}

// RunTask admits an already built task and waits for it.
func (o *Orchestrator) RunTask(ctx context.Context, t task.Task) (task.Task, error) {
	adm, err := o.gate.Admit(t)
	if err != nil {
		return task.Task{}, err
	}
	return o.gate.Await(ctx, adm.TaskID)
}

// Delegate creates a subtask of parentID and admits it.
func (o *Orchestrator) Delegate(ctx context.Context, parentID, prompt string) (gate.Admission, error) {
	parent, ok := o.registry.Get(parentID)
	if !ok {
		return gate.Admission{}, fmt.Errorf("%w: %s", gate.ErrTaskNotFound, parentID)
	}
	if parent.Depth+1 > parent.MaxDepth {
		return gate.Admission{}, fmt.Errorf("%w: %s is at depth %d", ErrMaxDepth, parentID, parent.Depth)
	}
	var child task.Task
	if _, err := o.registry.Update(parentID, func(p *task.Task) { child = p.NewChild(prompt) }); err != nil {
		return gate.Admission{}, err
	}
	if c, err := o.classifier.Classify(ctx, prompt); err == nil {
		child.Kind = c.Kind
		child.Metadata["classification"] = c
	}
	child.LongRunning = gate.IsLongRunning(prompt)
	return o.gate.Admit(child)
}

// Retry re-admits a failed task while it has retries left.
func (o *Orchestrator) Retry(taskID string) (gate.Admission, error) {
	var ok bool
	t, err := o.registry.Update(taskID, func(t *task.Task) { ok = t.ResetForRetry() })
	if err != nil {
		return gate.Admission{}, err
	}
	if !ok {
		return gate.Admission{}, fmt.Errorf("%w: %s is %s after %d retries", ErrNotRetrying, taskID, t.Status, t.Retries)
	}
	o.bus.Publish(events.Retry(taskID, t.Retries))
	o.logWarning("Retrying task %s (attempt %d/%d)", taskID, t.Retries, t.MaxRetries)
	return o.gate.Admit(t)
}

// Status reports a task's state.
func (o *Orchestrator) Status(taskID string) (gate.Status, error) { return o.gate.Status(taskID) }

// Interrupt force-completes an active task.
func (o *Orchestrator) Interrupt(taskID string) error { return o.gate.Interrupt(taskID) }

// QueueStatus reports gate occupancy.
func (o *Orchestrator) QueueStatus() gate.QueueStatus { return o.gate.QueueStatus() }

// Tasks lists known tasks, newest first.
func (o *Orchestrator) Tasks() []task.Task { return o.registry.List() }

// Events returns the recorded events of a task.
func (o *Orchestrator) Events(taskID string) []events.Event { return o.registry.Events(taskID) }

// Shutdown stops the gate and waits for running tasks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.gate.Shutdown(ctx)
	o.unsubscribe()
	return err
}

// execute is the gate runner: plan the task, then drive the plan.
func (o *Orchestrator) execute(ctx context.Context, t task.Task) (any, error) {
	if t.Depth > t.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrMaxDepth, t.Depth, t.MaxDepth)
	}

	plan, err := o.plan(ctx, t)
	if err != nil {
		o.logError("Planning failed for task %s: %v", t.ID, err)
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		o.logWarning("Plan for task %s has defects: %v", t.ID, err)
	}
	o.registry.Update(t.ID, func(rt *task.Task) {
		rt.Metadata["complexity"] = plan.Complexity
		rt.Metadata["estimated_duration"] = plan.EstimatedDuration.String()
		rt.Metadata["todos"] = len(plan.Todos)
	})
	o.logInfo("Executing task %s: %d todos, complexity %s", t.ID, len(plan.Todos), plan.Complexity)

	summary, err := o.engine.Run(ctx, t, todo.New(plan.Todos))
	if err != nil {
		o.logError("Task %s failed: %v", t.ID, err)
		return summary, err
	}
	o.logInfo("Task %s completed %d/%d todos in %d loops", t.ID, summary.Completed, summary.Total, summary.Loops)
	return summary, nil
}

func (o *Orchestrator) plan(ctx context.Context, t task.Task) (Plan, error) {
	if t.Kind == task.KindConversation {
		return Plan{
			Todos: []todo.Todo{{
				ID:          "reply",
				Description: t.Prompt,
				Kind:        todo.KindAgent,
				Target:      o.cfg.ConversationAgent,
			}},
			EstimatedDuration: DefaultTodoDuration,
			Complexity:        sri.ComplexitySimple,
		}, nil
	}
	return o.planner.CreatePlan(ctx, t)
}

func (o *Orchestrator) logInfo(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logger.Info(msg)
	if o.cloudLogger != nil {
		o.cloudLogger.Info(msg)
	}
}

func (o *Orchestrator) logWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logger.Warn(msg)
	if o.cloudLogger != nil {
		o.cloudLogger.Warning(msg)
	}
}

func (o *Orchestrator) logError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logger.Error(msg)
	if o.cloudLogger != nil {
		o.cloudLogger.Error(msg)
	}
}
