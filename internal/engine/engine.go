// Package engine drives a todo graph to completion: it runs every ready todo
// of a cycle concurrently, joins on them, retries transient failures and stops
// after a bounded number of cycles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/task"
	"github.com/andywolf/taskflow/internal/todo"
	"github.com/andywolf/taskflow/internal/tool"
)

// Sentinel errors wrapped by RunError.
var (
	ErrStalled          = errors.New("no todo is ready and none can be retried")
	ErrTodoFailed       = errors.New("todo failed permanently")
	ErrMaxLoopsExceeded = errors.New("exceeded maximum loops")
	ErrErrorLoop        = errors.New("error loop detected")
)

// Defaults.
const (
	DefaultMaxLoops   = 10
	DefaultMaxRetries = task.DefaultMaxRetries
)

// Kind classifies why a run ended without completing.
type Kind string

const (
	KindStalled   Kind = "stalled"
	KindFailed    Kind = "failed"
	KindMaxLoops  Kind = "max_loops"
	KindErrorLoop Kind = "error_loop"
	KindCancelled Kind = "cancelled"
)

// RunError is returned when a run ends incomplete. Summary holds whatever
// progress was made.
type RunError struct {
	Kind    Kind
	Err     error
	Summary Summary
}

func (e *RunError) Error() string {
	return fmt.Sprintf("task %s %s after %d loops (%d/%d todos): %v",
		e.Summary.TaskID, e.Kind, e.Summary.Loops, e.Summary.Completed, e.Summary.Total, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Summary reports the outcome of a run.
type Summary struct {
	TaskID    string         `json:"task_id"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Loops     int            `json:"loops"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Results   map[string]any `json:"results,omitempty"`
	SRI       []sri.Result   `json:"sri,omitempty"`
	Memory    string         `json:"memory,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Supervisor is the slice of the timeout supervisor the engine reports to.
type Supervisor interface {
	Touch(taskID string) error
	Extend(taskID string, extra time.Duration) error
	RecordRetry(taskID string) int
	DetectErrorLoop(taskID, errText string) bool
}

// Recorder receives execution measurements.
type Recorder interface {
	TodoFinished(kind todo.Kind, success bool, d time.Duration)
	TodoRetried(category correction.Category)
	RunFinished(outcome string, loops int)
}

// Config tunes the engine.
type Config struct {
	MaxLoops    int    `mapstructure:"max_loops"`
	MaxRetries  int    `mapstructure:"max_retries"`
	MaxParallel int    `mapstructure:"max_parallel"`
	WorkDir     string `mapstructure:"work_dir"`
}

func (c Config) withDefaults() Config {
	if c.MaxLoops <= 0 {
		c.MaxLoops = DefaultMaxLoops
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Engine executes todo graphs. One Engine may run many tasks concurrently;
// all per-run state lives in the run struct.
type Engine struct {
	cfg       Config
	agents    agent.Executor
	tools     tool.Executor
	corrector *correction.AutoCorrector
	sri       *sri.Protocol
	sup       Supervisor
	observer  events.Observer
	recorder  Recorder
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSupervisor reports progress, retries and errors to s.
func WithSupervisor(s Supervisor) Option { return func(e *Engine) { e.sup = s } }

// WithSRI enables context optimization and experience storage.
func WithSRI(p *sri.Protocol) Option { return func(e *Engine) { e.sri = p } }

// WithObserver publishes lifecycle events to o.
func WithObserver(o events.Observer) Option { return func(e *Engine) { e.observer = o } }

// WithRecorder sends measurements to r.
func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithCorrector replaces the default keyword corrector.
func WithCorrector(c *correction.AutoCorrector) Option {
	return func(e *Engine) { e.corrector = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("engine")
		}
	}
}

// WithSleep replaces the retry-delay wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an Engine dispatching agent todos to agents and tool todos to
// tools.
func New(cfg Config, agents agent.Executor, tools tool.Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		agents: agents,
		tools:  tools,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.corrector == nil {
		e.corrector = correction.New(nil, e.logger)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run holds the mutable state of one Run call.
type run struct {
	task    task.Task
	graph   *todo.Graph
	logger  *zap.Logger
	started time.Time

	mu        sync.Mutex
	sriRes    []sri.Result
	lastErr   error
	errorLoop bool
	retries   int
	corrected map[string]bool
}

func (r *run) takeCorrected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.corrected[id]
	delete(r.corrected, id)
	return ok
}

func (r *run) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

// Run drives g to completion for t. It returns a Summary when every todo
// completed and a *RunError otherwise.
func (e *Engine) Run(ctx context.Context, t task.Task, g *todo.Graph) (Summary, error) {
	r := &run{
		task:    t,
		graph:   g,
		logger:  e.logger.With(zap.String("task_id", t.ID)),
		started: time.Now(),

		corrected: make(map[string]bool),
	}
	if err := g.Validate(); err != nil {
		r.logger.Warn("todo graph has planning defects", zap.Error(err))
	}

	loops := 0
	for loops < e.cfg.MaxLoops {
		if g.IsComplete() {
			break
		}
		if err := ctx.Err(); err != nil {
			return e.fail(r, loops, KindCancelled, err)
		}
		loops++

		ready := g.Ready()
		if len(ready) == 0 {
			retried, err := e.retry(ctx, r)
			if err != nil {
				if ctx.Err() != nil {
					return e.fail(r, loops, KindCancelled, ctx.Err())
				}
				r.logger.Warn("no retryable todos", zap.Int("loop", loops))
				if g.HasPending() {
					return e.fail(r, loops, KindStalled, err)
				}
				return e.fail(r, loops, KindFailed, ErrTodoFailed)
			}
			ready = retried
		}

		r.logger.Debug("cycle starting", zap.Int("loop", loops), zap.Int("ready", len(ready)))
		e.cycle(ctx, r, ready)

		counts := g.Counts()
		e.notify(events.Progress(t.ID, counts.Completed, counts.Total))
		if e.sup != nil {
			_ = e.sup.Touch(t.ID)
		}

		if r.errorLoop {
			return e.fail(r, loops, KindErrorLoop, ErrErrorLoop)
		}
		if ctx.Err() != nil {
			return e.fail(r, loops, KindCancelled, ctx.Err())
		}
	}

	if !g.IsComplete() {
		r.logger.Error("maximum loops exceeded", zap.Int("max_loops", e.cfg.MaxLoops))
		return e.fail(r, loops, KindMaxLoops, ErrMaxLoopsExceeded)
	}
	if failed := g.Counts().Failed; failed > 0 {
		return e.fail(r, loops, KindFailed, fmt.Errorf("%w: %d todos gave up", ErrTodoFailed, failed))
	}

	s := e.summarize(r, loops)
	s.Memory = e.remember(r, sri.Success(1))
	e.finished("completed", loops)
	r.logger.Info("task completed", zap.Int("loops", loops), zap.Int("todos", s.Total))
	return s, nil
}

func (e *Engine) fail(r *run, loops int, kind Kind, err error) (Summary, error) {
	r.mu.Lock()
	last := r.lastErr
	r.mu.Unlock()
	if last != nil && kind != KindMaxLoops && kind != KindCancelled {
		err = fmt.Errorf("%w: %v", err, last)
	}

	s := e.summarize(r, loops)
	if kind != KindCancelled {
		s.Memory = e.remember(r, sri.Failure(1))
	}
	e.finished(string(kind), loops)
	return s, &RunError{Kind: kind, Err: err, Summary: s}
}

func (e *Engine) finished(outcome string, loops int) {
	if e.recorder != nil {
		e.recorder.RunFinished(outcome, loops)
	}
}

func (e *Engine) notify(ev events.Event) {
	if e.observer != nil {
		e.observer.Notify(ev)
	}
}

func (e *Engine) summarize(r *run, loops int) Summary {
	todos := r.graph.Todos()
	s := Summary{
		TaskID:   r.task.ID,
		Total:    len(todos),
		Loops:    loops,
		Results:  make(map[string]any),
		Duration: time.Since(r.started),
	}
	for _, t := range todos {
		if t.Status != todo.StatusCompleted {
			continue
		}
		s.Completed++
		s.Results[t.ID] = t.Result
		if a := artifact(t); a != "" {
			s.Artifacts = append(s.Artifacts, a)
		}
	}
	r.mu.Lock()
	s.SRI = append([]sri.Result(nil), r.sriRes...)
	r.mu.Unlock()
	return s
}

// artifact names the file a completed todo produced, if any.
func artifact(t todo.Todo) string {
	for _, key := range []string{"path", "output"} {
		if p := tool.String(t.Params, key); p != "" && t.Kind == todo.KindTool {
			return p
		}
	}
	return ""
}

// remember stores the run's outcome as an experience and returns the memory
// hash when it was kept.
func (e *Engine) remember(r *run, exp sri.Experience) string {
	if e.sri == nil {
		return ""
	}
	m, ok := e.sri.StoreExperience(sri.Record{
		TaskID:     r.task.ID,
		Context:    r.task.Prompt,
		Experience: exp,
		Complexity: sri.ComplexityFor(r.graph.Len()),
	})
	if !ok {
		return ""
	}
	return m.EmotionHash
}
