// Package task defines the orchestrated request and the registry that keeps
// recent tasks and their lifecycle events.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a plain conversational reply from a planned task.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindTask         Kind = "task"
)

// Status is the lifecycle state of a task. Transitions are monotonic except
// for ResetForRetry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Default limits for new tasks.
const (
	DefaultMaxRetries = 3
	DefaultMaxDepth   = 3
)

// Task is one inbound request.
type Task struct {
	ID          string         `json:"id"`
	Prompt      string         `json:"prompt"`
	Kind        Kind           `json:"type"`
	Status      Status         `json:"status"`
	Retries     int            `json:"retries"`
	MaxRetries  int            `json:"max_retries"`
	Depth       int            `json:"depth"`
	MaxDepth    int            `json:"max_depth"`
	ParentID    string         `json:"parent_task_id,omitempty"`
	ChildIDs    []string       `json:"child_task_ids,omitempty"`
	LongRunning bool           `json:"long_running,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// New creates a pending task with a fresh id.
func New(prompt string, kind Kind) Task {
	now := time.Now()
	if kind == "" {
		kind = KindTask
	}
	return Task{
		ID:         uuid.NewString(),
		Prompt:     prompt,
		Kind:       kind,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		MaxDepth:   DefaultMaxDepth,
		Metadata:   map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewChild creates a subtask one level deeper than t.
func (t *Task) NewChild(prompt string) Task {
	child := New(prompt, KindTask)
	child.ParentID = t.ID
	child.Depth = t.Depth + 1
	child.MaxDepth = t.MaxDepth
	t.ChildIDs = append(t.ChildIDs, child.ID)
	t.UpdatedAt = child.CreatedAt
	return child
}

// IsTerminal reports whether the task reached Completed or Failed.
func (t Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// CanRetry reports whether another retry is allowed.
func (t Task) CanRetry() bool {
	return t.Retries < t.MaxRetries
}

// Start marks the task Running. Only pending tasks start.
func (t *Task) Start() bool {
	if t.Status != StatusPending {
		return false
	}
	t.Status = StatusRunning
	t.UpdatedAt = time.Now()
	return true
}

// Complete records a successful result. Terminal tasks are left unchanged.
func (t *Task) Complete(result any) bool {
	if t.IsTerminal() {
		return false
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.Result = result
	t.Error = ""
	t.UpdatedAt = now
	t.CompletedAt = now
	return true
}

// Fail records a failure. Terminal tasks are left unchanged.
func (t *Task) Fail(reason string) bool {
	if t.IsTerminal() {
		return false
	}
	now := time.Now()
	t.Status = StatusFailed
	t.Error = reason
	t.UpdatedAt = now
	t.CompletedAt = now
	return true
}

// ResetForRetry returns a failed task to Pending and counts the retry.
func (t *Task) ResetForRetry() bool {
	if t.Status != StatusFailed || !t.CanRetry() {
		return false
	}
	t.Retries++
	t.Status = StatusPending
	t.Error = ""
	t.CompletedAt = time.Time{}
	t.UpdatedAt = time.Now()
	return true
}
