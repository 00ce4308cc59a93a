// Package todo holds the unit of work inside a task and the dependency graph
// that decides which todos may run next.
package todo

import (
	"time"
)

// Kind says which executor runs a todo.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTool  Kind = "tool"
)

// Status is the lifecycle state of a todo.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Todo is one unit of work. Dependencies name other todos in the same graph.
type Todo struct {
	ID           string         `json:"id" yaml:"id"`
	Description  string         `json:"description" yaml:"description"`
	Kind         Kind           `json:"type" yaml:"type"`
	Target       string         `json:"target" yaml:"target"`
	Params       map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	Status      Status    `json:"status" yaml:"-"`
	Result      any       `json:"result,omitempty" yaml:"-"`
	Error       string    `json:"error,omitempty" yaml:"-"`
	Attempts    int       `json:"attempts" yaml:"-"`
	GaveUp      bool      `json:"gave_up,omitempty" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// IsTerminal reports whether the todo will not change state without a retry.
func (t Todo) IsTerminal() bool {
	return t.Status == StatusCompleted || (t.Status == StatusFailed && t.GaveUp)
}
