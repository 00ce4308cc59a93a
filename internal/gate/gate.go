// Package gate bounds how many tasks run at once, queues the rest in FIFO
// order, and routes messages that arrive while a task is active.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/supervisor"
	"github.com/andywolf/taskflow/internal/task"
)

// Errors returned by the gate.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrForceCompleted = errors.New("task was force-completed")
	ErrClosed         = errors.New("gate is shut down")
)

// DefaultMaxActive is the number of concurrently active tasks.
const DefaultMaxActive = 1

// Runner executes one admitted task. It must return promptly once ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, t task.Task) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t task.Task) (any, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, t task.Task) (any, error) { return f(ctx, t) }

// Recorder receives gate occupancy and outcome measurements.
type Recorder interface {
	SetActive(n int)
	SetQueued(n int)
	TaskFinished(status string, d time.Duration)
	ForcedCompletion(reason string)
}

// Config tunes the gate.
type Config struct {
	MaxActive  int
	Classifier InboundClassifier
	Recorder   Recorder
}

// Admission reports what happened to a submitted task.
type Admission struct {
	TaskID   string `json:"task_id"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position,omitempty"`
}

// State is where a task sits from the gate's point of view.
type State string

const (
	StateActive    State = "active"
	StateQueued    State = "queued"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status describes one task.
type Status struct {
	TaskID    string          `json:"task_id"`
	State     State           `json:"state"`
	Position  int             `json:"position,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
	Remaining time.Duration   `json:"remaining"`
	Task      task.Task       `json:"task"`
	Timeout   supervisor.Info `json:"timeout"`
}

// QueueStatus summarizes occupancy.
type QueueStatus struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	MaxActive int `json:"max_active"`
}

// Response is the outcome of Submit.
type Response struct {
	Request   Request    `json:"request"`
	Admission *Admission `json:"admission,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type activeTask struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
}

// Gate admits, queues and finishes tasks. Safe for concurrent use.
type Gate struct {
	mu         sync.Mutex
	maxActive  int
	classifier InboundClassifier
	recorder   Recorder
	runner     Runner
	sup        *supervisor.Supervisor
	registry   *task.Registry
	publish    func(events.Event)
	logger     *zap.Logger

	active  map[string]*activeTask
	order   []string // active ids, oldest first
	queue   []string // queued ids, FIFO
	waiters map[string]chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gate. The supervisor's force handler is taken over by the
// gate. A nil registry gets a default one without expiry; a nil observer
// drops events.
func New(cfg Config, runner Runner, sup *supervisor.Supervisor, registry *task.Registry, observer events.Observer, logger *zap.Logger) *Gate {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.Classifier == nil {
		cfg.Classifier = KeywordClassifier{}
	}
	if registry == nil {
		registry = task.NewRegistry(task.RegistryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	publish := func(events.Event) {}
	if observer != nil {
		publish = observer.Notify
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		maxActive:  cfg.MaxActive,
		classifier: cfg.Classifier,
		recorder:   cfg.Recorder,
		runner:     runner,
		sup:        sup,
		registry:   registry,
		publish:    publish,
		logger:     logger.Named("gate"),
		active:     make(map[string]*activeTask),
		waiters:    make(map[string]chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	sup.SetForceHandler(g.onForce)
	return g
}

// Registry returns the task registry the gate writes to.
func (g *Gate) Registry() *task.Registry {
	return g.registry
}

// Admit starts t if a slot is free and queues it otherwise.
func (g *Gate) Admit(t task.Task) (Admission, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Admission{}, ErrClosed
	}
	adm, out := g.admitLocked(t)
	g.recordOccupancyLocked()
	g.mu.Unlock()

	g.emit(out)
	return adm, nil
}

// admitLocked registers t and starts it when a slot is free, queueing it
// otherwise. Caller holds mu.
func (g *Gate) admitLocked(t task.Task) (Admission, []events.Event) {
	if !t.LongRunning && IsLongRunning(t.Prompt) {
		t.LongRunning = true
	}
	g.registry.Put(t)
	g.waiters[t.ID] = make(chan struct{})

	if len(g.active) < g.maxActive {
		return Admission{TaskID: t.ID}, []events.Event{g.startLocked(t.ID)}
	}
	g.queue = append(g.queue, t.ID)
	adm := Admission{TaskID: t.ID, Queued: true, Position: len(g.queue)}
	g.logger.Info("task queued", zap.String("task_id", t.ID), zap.Int("position", adm.Position))
	return adm, []events.Event{events.Queued(t.ID, adm.Position)}
}

// interruptAndAdmit force-completes activeID and hands its slot to t ahead
// of anything already queued.
func (g *Gate) interruptAndAdmit(activeID string, t task.Task) (Admission, []events.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return Admission{}, nil, ErrClosed
	}
	out := g.forceLocked(activeID, supervisor.ReasonInterrupted)
	adm, started := g.admitLocked(t)
	out = append(out, started...)
	out = append(out, g.admitNextLocked()...)
	g.recordOccupancyLocked()
	return adm, out, nil
}

// startLocked moves a registered task into an active slot and launches its
// runner. Caller holds mu.
func (g *Gate) startLocked(id string) events.Event {
	t, _ := g.registry.Update(id, func(t *task.Task) { t.Start() })

	ctx, cancel := context.WithCancel(g.ctx)
	g.active[id] = &activeTask{id: id, started: time.Now(), cancel: cancel}
	g.order = append(g.order, id)
	g.sup.Start(id, t.LongRunning)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		result, err := g.runner.Run(ctx, t)
		g.finish(id, result, err)
	}()

	g.logger.Info("task started", zap.String("task_id", id), zap.Bool("long_running", t.LongRunning))
	return events.New(events.TaskStarted, id)
}

// finish releases the slot of a task whose runner returned. A task that was
// already force-completed is ignored.
func (g *Gate) finish(id string, result any, runErr error) {
	var out []events.Event
	g.mu.Lock()
	at, ok := g.active[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	g.releaseLocked(at)
	g.sup.Complete(id)

	var status string
	if runErr != nil {
		status = string(task.StatusFailed)
		g.registry.Update(id, func(t *task.Task) { t.Fail(runErr.Error()) })
		out = append(out, events.Failed(id, runErr.Error()))
		g.logger.Warn("task failed", zap.String("task_id", id), zap.Error(runErr))
	} else {
		status = string(task.StatusCompleted)
		g.registry.Update(id, func(t *task.Task) { t.Complete(result) })
		out = append(out, events.New(events.TaskCompleted, id))
		g.logger.Info("task completed", zap.String("task_id", id))
	}
	if g.recorder != nil {
		g.recorder.TaskFinished(status, time.Since(at.started))
	}
	out = append(out, g.admitNextLocked()...)
	g.closeWaiterLocked(id)
	g.recordOccupancyLocked()
	g.mu.Unlock()

	g.emit(out)
}

// onForce handles supervisor-initiated forced completion.
func (g *Gate) onForce(id string, reason supervisor.Reason) {
	g.emit(g.force(id, reason))
}

// force terminates an active task and fills the freed slot from the queue.
func (g *Gate) force(id string, reason supervisor.Reason) []events.Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := g.forceLocked(id, reason)
	if out == nil {
		return nil
	}
	out = append(out, g.admitNextLocked()...)
	g.recordOccupancyLocked()
	return out
}

// forceLocked terminates an active task without touching the queue. The
// runner's context is cancelled and its eventual return is ignored. It
// returns nil when id is not active.
func (g *Gate) forceLocked(id string, reason supervisor.Reason) []events.Event {
	at, ok := g.active[id]
	if !ok {
		return nil
	}
	g.releaseLocked(at)
	g.sup.Complete(id)

	msg := fmt.Sprintf("%s: %s", ErrForceCompleted, reason)
	g.registry.Update(id, func(t *task.Task) { t.Fail(msg) })

	var out []events.Event
	if reason == supervisor.ReasonInterrupted {
		e := events.New(events.TaskInterrupted, id)
		e.Reason = string(reason)
		out = append(out, e)
	}
	e := events.New(events.TaskForceCompleted, id)
	e.Reason = string(reason)
	out = append(out, e)

	if g.recorder != nil {
		g.recorder.ForcedCompletion(string(reason))
		g.recorder.TaskFinished(string(task.StatusFailed), time.Since(at.started))
	}
	g.logger.Warn("task force-completed", zap.String("task_id", id), zap.String("reason", string(reason)))

	g.closeWaiterLocked(id)
	return out
}

func (g *Gate) releaseLocked(at *activeTask) {
	at.cancel()
	delete(g.active, at.id)
	for i, id := range g.order {
		if id == at.id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// admitNextLocked fills free slots from the head of the queue.
func (g *Gate) admitNextLocked() []events.Event {
	var out []events.Event
	for !g.closed && len(g.queue) > 0 && len(g.active) < g.maxActive {
		next := g.queue[0]
		g.queue = g.queue[1:]
		if _, ok := g.registry.Get(next); !ok {
			g.closeWaiterLocked(next)
			continue
		}
		out = append(out, g.startLocked(next))
	}
	return out
}

func (g *Gate) closeWaiterLocked(id string) {
	if ch, ok := g.waiters[id]; ok {
		close(ch)
		delete(g.waiters, id)
	}
}

func (g *Gate) recordOccupancyLocked() {
	if g.recorder == nil {
		return
	}
	g.recorder.SetActive(len(g.active))
	g.recorder.SetQueued(len(g.queue))
}

func (g *Gate) emit(out []events.Event) {
	for _, e := range out {
		g.publish(e)
	}
}

// primaryLocked returns the oldest active task id.
func (g *Gate) primaryLocked() string {
	if len(g.order) == 0 {
		return ""
	}
	return g.order[0]
}

// Submit routes an inbound request. With no active task, or an empty prompt,
// t is admitted. Otherwise the classifier decides whether t is a status
// check, an interrupt, a continuation, or a new task.
func (g *Gate) Submit(t task.Task) (Response, error) {
	g.mu.Lock()
	activeID := g.primaryLocked()
	g.mu.Unlock()

	if activeID == "" || t.Prompt == "" {
		adm, err := g.Admit(t)
		if err != nil {
			return Response{}, err
		}
		return Response{Request: Request{Kind: RequestNewTask, Prompt: t.Prompt}, Admission: &adm}, nil
	}

	req := g.classifier.Classify(t.Prompt, activeID)
	g.logger.Debug("inbound classified",
		zap.String("kind", string(req.Kind)),
		zap.String("active_task_id", activeID),
		zap.String("reason", req.Reason))

	switch req.Kind {
	case RequestStatusCheck:
		st, err := g.Status(activeID)
		if err != nil {
			return Response{Request: req}, err
		}
		msg := StatusMessage(st)
		e := events.New(events.StatusResponse, activeID)
		e.Message = msg
		g.publish(e)
		return Response{Request: req, Status: &st, Message: msg}, nil

	case RequestInterrupt:
		adm, out, err := g.interruptAndAdmit(activeID, t)
		g.emit(out)
		if err != nil {
			return Response{Request: req}, err
		}
		return Response{Request: req, Admission: &adm, Message: "Interrupted task " + activeID}, nil

	case RequestContinue:
		if err := g.sup.ExtendToLongRunning(activeID); err != nil {
			return Response{Request: req}, fmt.Errorf("%w: %s", ErrTaskNotFound, activeID)
		}
		g.registry.Update(activeID, func(t *task.Task) { t.LongRunning = true })
		e := events.New(events.TaskContinued, activeID)
		e.Message = "deadline extended"
		g.publish(e)
		return Response{Request: req, Message: "Continuing task " + activeID}, nil

	default:
		adm, err := g.Admit(t)
		if err != nil {
			return Response{Request: req}, err
		}
		return Response{Request: req, Admission: &adm}, nil
	}
}

// Interrupt force-completes an active task.
func (g *Gate) Interrupt(taskID string) error {
	out := g.force(taskID, supervisor.ReasonInterrupted)
	if out == nil {
		return fmt.Errorf("%w: %s is not active", ErrTaskNotFound, taskID)
	}
	g.emit(out)
	return nil
}

// Status reports where a task is and how much time it has left.
func (g *Gate) Status(taskID string) (Status, error) {
	t, ok := g.registry.Get(taskID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	st := Status{TaskID: taskID, Task: t}

	g.mu.Lock()
	_, active := g.active[taskID]
	for i, id := range g.queue {
		if id == taskID {
			st.State = StateQueued
			st.Position = i + 1
		}
	}
	g.mu.Unlock()

	switch {
	case active:
		st.State = StateActive
		if info, ok := g.sup.Status(taskID); ok {
			now := time.Now()
			st.Timeout = info
			st.Elapsed = info.Elapsed(now)
			st.Remaining = info.Remaining(now)
		}
	case st.State == StateQueued:
	case t.Status == task.StatusCompleted:
		st.State = StateCompleted
	default:
		st.State = StateFailed
	}
	return st, nil
}

// StatusMessage renders a status for a human.
func StatusMessage(st Status) string {
	switch st.State {
	case StateActive:
		return fmt.Sprintf("Task %s is running: %ds elapsed, %ds remaining before timeout.",
			st.TaskID, int(st.Elapsed.Seconds()), int(st.Remaining.Seconds()))
	case StateQueued:
		return fmt.Sprintf("Task %s is queued at position %d.", st.TaskID, st.Position)
	case StateCompleted:
		return fmt.Sprintf("Task %s has completed.", st.TaskID)
	default:
		return fmt.Sprintf("Task %s has failed: %s", st.TaskID, st.Task.Error)
	}
}

// QueueStatus reports occupancy.
func (g *Gate) QueueStatus() QueueStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return QueueStatus{Queued: len(g.queue), Active: len(g.active), MaxActive: g.maxActive}
}

// Await blocks until the task reaches a terminal state and returns it.
func (g *Gate) Await(ctx context.Context, taskID string) (task.Task, error) {
	g.mu.Lock()
	ch, waiting := g.waiters[taskID]
	g.mu.Unlock()

	if waiting {
		select {
		case <-ch:
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		}
	}
	t, ok := g.registry.Get(taskID)
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, nil
}

// Shutdown stops admitting work, drops the queue, cancels running tasks and
// waits for their runners to return or ctx to end.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for _, id := range g.queue {
		g.registry.Update(id, func(t *task.Task) { t.Fail(ErrClosed.Error()) })
		g.closeWaiterLocked(id)
	}
	g.queue = nil
	g.mu.Unlock()

	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.sup.Stop()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
