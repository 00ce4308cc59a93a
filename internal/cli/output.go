package cli

import (
	"github.com/fatih/color"

	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/task"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func kindColor(k events.Kind) func(a ...any) string {
	switch k {
	case events.TaskCompleted, events.TodoCompleted:
		return green
	case events.TaskFailed, events.TodoFailed, events.TaskForceCompleted, events.TaskInterrupted:
		return red
	case events.TaskRetry, events.TaskQueued, events.TaskContinued:
		return yellow
	case events.ProgressUpdate, events.StatusResponse:
		return gray
	default:
		return cyan
	}
}

func statusColor(s task.Status) func(a ...any) string {
	switch s {
	case task.StatusCompleted:
		return green
	case task.StatusFailed:
		return red
	default:
		return yellow
	}
}
