// Package events defines the closed vocabulary of task lifecycle events and
// the fan-out bus that delivers them to observers (logs, files, NATS, cloud).
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of a lifecycle event.
type Kind string

const (
	// TaskStarted is emitted when a task is admitted to an active slot.
	TaskStarted Kind = "taskStarted"
	// TaskQueued is emitted when a task waits for a slot. Position is 1-based.
	TaskQueued Kind = "taskQueued"
	// TaskCompleted is emitted when every todo of a task completed.
	TaskCompleted Kind = "taskCompleted"
	// TaskFailed is emitted when a task ends unsuccessfully. Reason is set.
	TaskFailed Kind = "taskFailed"
	// TaskInterrupted is emitted when an inbound interrupt stopped the active task.
	TaskInterrupted Kind = "taskInterrupted"
	// TaskRetry is emitted when a task or todo is retried. RetryCount is set.
	TaskRetry Kind = "taskRetry"
	// TaskForceCompleted is emitted when the supervisor ends a task (timeout, error loop).
	TaskForceCompleted Kind = "taskForceCompleted"
	// TaskContinued is emitted when the active task's deadline was extended.
	TaskContinued Kind = "taskContinued"
	// StatusResponse carries a human-readable status report for the active task.
	StatusResponse Kind = "statusResponse"
	// TodoStarted is emitted when a todo begins executing.
	TodoStarted Kind = "todoStarted"
	// TodoCompleted is emitted when a todo finished successfully.
	TodoCompleted Kind = "todoCompleted"
	// TodoFailed is emitted when a todo's executor returned an error.
	TodoFailed Kind = "todoFailed"
	// ProgressUpdate is emitted once per execution cycle.
	ProgressUpdate Kind = "progressUpdate"
)

// Kinds returns every valid event kind.
func Kinds() []Kind {
	return []Kind{
		TaskStarted,
		TaskQueued,
		TaskCompleted,
		TaskFailed,
		TaskInterrupted,
		TaskRetry,
		TaskForceCompleted,
		TaskContinued,
		StatusResponse,
		TodoStarted,
		TodoCompleted,
		TodoFailed,
		ProgressUpdate,
	}
}

// IsValidKind reports whether s names a known event kind.
func IsValidKind(s string) bool {
	for _, k := range Kinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// Event is a single lifecycle notification. Fields that do not apply to a
// kind are left zero and omitted from JSON.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`

	TodoID      string `json:"todo_id,omitempty"`
	Description string `json:"description,omitempty"`

	// Position is the 1-based queue position for TaskQueued.
	Position int `json:"position,omitempty"`
	// Reason explains TaskFailed, TaskInterrupted and TaskForceCompleted.
	Reason string `json:"reason,omitempty"`
	// RetryCount is the attempt number for TaskRetry.
	RetryCount int `json:"retry_count,omitempty"`

	// Completed, Total and Progress describe ProgressUpdate.
	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`
	Progress  int `json:"progress,omitempty"`

	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// New creates an event of the given kind for a task, stamped with a fresh id
// and the current time.
func New(kind Kind, taskID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}
}

// Queued builds a TaskQueued event.
func Queued(taskID string, position int) Event {
	e := New(TaskQueued, taskID)
	e.Position = position
	return e
}

// Failed builds a TaskFailed event.
func Failed(taskID, reason string) Event {
	e := New(TaskFailed, taskID)
	e.Reason = reason
	return e
}

// Retry builds a TaskRetry event.
func Retry(taskID string, count int) Event {
	e := New(TaskRetry, taskID)
	e.RetryCount = count
	return e
}

// Progress builds a ProgressUpdate event. Progress is an integer percentage.
func Progress(taskID string, completed, total int) Event {
	e := New(ProgressUpdate, taskID)
	e.Completed = completed
	e.Total = total
	if total > 0 {
		e.Progress = completed * 100 / total
	}
	return e
}

// Todo builds a todo-scoped event.
func Todo(kind Kind, taskID, todoID, description string) Event {
	e := New(kind, taskID)
	e.TodoID = todoID
	e.Description = description
	return e
}
