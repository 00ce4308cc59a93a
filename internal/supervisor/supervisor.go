// Package supervisor enforces per-task deadlines and detects repeated
// identical failures. Either condition force-completes the task.
package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reason explains a forced completion.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonErrorLoop   Reason = "error loop"
	ReasonInterrupted Reason = "interrupted"
)

// Defaults for Config.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultLongRunningTimeout = 5 * time.Minute
	DefaultErrorLoopThreshold = 3
)

// Config tunes the supervisor.
type Config struct {
	DefaultTimeout     time.Duration
	LongRunningTimeout time.Duration
	// ErrorLoopThreshold is how many identical consecutive errors make a loop.
	ErrorLoopThreshold int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.LongRunningTimeout <= 0 {
		c.LongRunningTimeout = DefaultLongRunningTimeout
	}
	if c.ErrorLoopThreshold <= 0 {
		c.ErrorLoopThreshold = DefaultErrorLoopThreshold
	}
	return c
}

// Info is the supervision record of one active task.
type Info struct {
	TaskID       string        `json:"task_id"`
	StartTime    time.Time     `json:"start_time"`
	Timeout      time.Duration `json:"timeout"`
	Deadline     time.Time     `json:"deadline"`
	LongRunning  bool          `json:"long_running"`
	RetryCount   int           `json:"retry_count"`
	LastError    string        `json:"last_error,omitempty"`
	ErrorRepeats int           `json:"error_repeats,omitempty"`
}

// Elapsed returns how long the task has been supervised as of now.
func (i Info) Elapsed(now time.Time) time.Duration {
	return now.Sub(i.StartTime)
}

// Remaining returns the time left before the deadline, never negative.
func (i Info) Remaining(now time.Time) time.Duration {
	if d := i.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ForceHandler is called, outside any lock, when a task is force-completed.
type ForceHandler func(taskID string, reason Reason)

type entry struct {
	info  Info
	timer *time.Timer
	gen   uint64
}

// Supervisor tracks active tasks. Safe for concurrent use.
type Supervisor struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	onForce ForceHandler
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a supervisor. onForce may be nil.
func New(cfg Config, onForce ForceHandler, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		onForce: onForce,
		logger:  logger.Named("supervisor"),
		now:     time.Now,
	}
}

// SetForceHandler replaces the forced-completion callback.
func (s *Supervisor) SetForceHandler(h ForceHandler) {
	s.mu.Lock()
	s.onForce = h
	s.mu.Unlock()
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Start begins supervising taskID with the default or long-running timeout.
// Starting an already supervised task restarts its clock.
func (s *Supervisor) Start(taskID string, longRunning bool) Info {
	timeout := s.cfg.DefaultTimeout
	if longRunning {
		timeout = s.cfg.LongRunningTimeout
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[taskID]; ok {
		old.timer.Stop()
	}
	e := &entry{info: Info{
		TaskID:      taskID,
		StartTime:   now,
		Timeout:     timeout,
		Deadline:    now.Add(timeout),
		LongRunning: longRunning,
	}}
	s.entries[taskID] = e
	s.armLocked(taskID, e, timeout)

	s.logger.Debug("supervising task",
		zap.String("task_id", taskID),
		zap.Duration("timeout", timeout),
		zap.Bool("long_running", longRunning))
	return e.info
}

// armLocked (re)starts the deadline timer. A timer from an earlier
// generation that fires late is ignored.
func (s *Supervisor) armLocked(taskID string, e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d, func() { s.expire(taskID, gen) })
}

func (s *Supervisor) expire(taskID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, taskID)
	handler := s.onForce
	s.mu.Unlock()

	s.logger.Warn("task timed out", zap.String("task_id", taskID), zap.Duration("timeout", e.info.Timeout))
	if handler != nil {
		handler(taskID, ReasonTimeout)
	}
}

// UpdateTimeout replaces the task's timeout and slides its deadline to now
// plus d.
func (s *Supervisor) UpdateTimeout(taskID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return fmt.Errorf("task %s is not supervised", taskID)
	}
	e.info.Timeout = d
	e.info.Deadline = s.now().Add(d)
	s.armLocked(taskID, e, d)
	return nil
}

// ExtendToLongRunning marks the task long-running and gives it the
// long-running timeout from now.
func (s *Supervisor) ExtendToLongRunning(taskID string) error {
	if err := s.UpdateTimeout(taskID, s.cfg.LongRunningTimeout); err != nil {
		return err
	}
	s.mu.Lock()
	if e, ok := s.entries[taskID]; ok {
		e.info.LongRunning = true
	}
	s.mu.Unlock()
	return nil
}

// Extend gives the task extra time on top of its current timeout: the
// deadline moves to now plus timeout plus extra. The timeout itself is
// unchanged, so the next Touch restores the normal window.
func (s *Supervisor) Extend(taskID string, extra time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return fmt.Errorf("task %s is not supervised", taskID)
	}
	d := e.info.Timeout + extra
	e.info.Deadline = s.now().Add(d)
	s.armLocked(taskID, e, d)
	return nil
}

// Touch records progress: the deadline slides to now plus the current
// timeout.
func (s *Supervisor) Touch(taskID string) error {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	var d time.Duration
	if ok {
		d = e.info.Timeout
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not supervised", taskID)
	}
	return s.UpdateTimeout(taskID, d)
}

// RecordRetry counts a retry and returns the new count.
func (s *Supervisor) RecordRetry(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return 0
	}
	e.info.RetryCount++
	return e.info.RetryCount
}

// DetectErrorLoop records errText for the task and reports whether the same
// error has now been seen ErrorLoopThreshold times in a row. A detected loop
// force-completes the task.
func (s *Supervisor) DetectErrorLoop(taskID, errText string) bool {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.info.LastError == errText {
		e.info.ErrorRepeats++
	} else {
		e.info.LastError = errText
		e.info.ErrorRepeats = 1
	}
	looping := e.info.ErrorRepeats >= s.cfg.ErrorLoopThreshold
	s.mu.Unlock()

	if looping {
		s.logger.Warn("error loop detected", zap.String("task_id", taskID), zap.String("error", errText))
		s.ForceComplete(taskID, ReasonErrorLoop)
	}
	return looping
}

// ForceComplete stops supervising the task and notifies the force handler.
// It returns false when the task was not supervised.
func (s *Supervisor) ForceComplete(taskID string, reason Reason) bool {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if ok {
		e.timer.Stop()
		delete(s.entries, taskID)
	}
	handler := s.onForce
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.logger.Info("task force-completed", zap.String("task_id", taskID), zap.String("reason", string(reason)))
	if handler != nil {
		handler(taskID, reason)
	}
	return true
}

// Complete stops supervising the task without notifying anyone.
func (s *Supervisor) Complete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[taskID]; ok {
		e.timer.Stop()
		delete(s.entries, taskID)
	}
}

// Status returns the supervision record of a task.
func (s *Supervisor) Status(taskID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Active returns the supervised task ids in sorted order.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every timer without notifying anyone.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
