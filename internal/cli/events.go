package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andywolf/taskflow/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events [file]",
	Short: "Show task lifecycle events",
	Long: `Show lifecycle events recorded by 'taskflow run'.

Events are read from the JSONL log in events.dir, or from the given file.
With --follow, events are streamed live from NATS instead.

Example:
  taskflow events --task 6f1c... --kind taskFailed,todoFailed
  taskflow events --since 1h
  taskflow events --follow`,
	Args: cobra.MaximumNArgs(1),
	RunE: showEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().BoolP("follow", "f", false, "Stream events from NATS")
	eventsCmd.Flags().String("task", "", "Only show events of this task")
	eventsCmd.Flags().StringSlice("kind", nil, "Only show these event kinds")
	eventsCmd.Flags().Int("tail", 0, "Number of events to show from the end (0 for all)")
	eventsCmd.Flags().String("since", "", "Show events since timestamp (e.g., 2024-01-01T00:00:00Z) or duration (e.g., 1h)")
}

// eventFilter selects events by task, kind and time.
type eventFilter struct {
	taskID string
	kinds  map[events.Kind]bool
	since  time.Time
}

func (f eventFilter) match(e events.Event) bool {
	if f.taskID != "" && e.TaskID != f.taskID {
		return false
	}
	if len(f.kinds) > 0 && !f.kinds[e.Kind] {
		return false
	}
	if !f.since.IsZero() && e.Timestamp.Before(f.since) {
		return false
	}
	return true
}

func newEventFilter(taskID string, kinds []string, since string, now time.Time) (eventFilter, error) {
	f := eventFilter{taskID: taskID}
	for _, k := range kinds {
		if !events.IsValidKind(k) {
			return f, fmt.Errorf("unknown event kind: %s", k)
		}
		if f.kinds == nil {
			f.kinds = make(map[events.Kind]bool)
		}
		f.kinds[events.Kind(k)] = true
	}
	if since != "" {
		// Try parsing as duration first
		if dur, err := time.ParseDuration(since); err == nil {
			f.since = now.Add(-dur)
		} else {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return f, fmt.Errorf("invalid --since value: %s", since)
			}
			f.since = t
		}
	}
	return f, nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	since, _ := cmd.Flags().GetString("since")
	filter, err := newEventFilter(taskID, kinds, since, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		if !cfg.Events.NATS.Enabled {
			return fmt.Errorf("--follow requires events.nats.enabled")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		token, err := resolveSecret(ctx, cfg.Events.NATS.Token)
		if err != nil {
			return err
		}
		sink, err := events.NewNATSSink(events.NATSConfig{
			URL:     cfg.Events.NATS.URL,
			Subject: cfg.Events.NATS.Subject,
			Token:   token,
			Name:    "taskflow-events",
		})
		if err != nil {
			return err
		}
		defer func() { _ = sink.Close() }()

		// Handlers run on the NATS delivery goroutine, one at a time.
		if _, err := sink.Subscribe(ctx, func(e events.Event) {
			if filter.match(e) {
				formatEvent(out, e)
			}
		}); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		<-ctx.Done()
		return nil
	}

	path := filepath.Join(cfg.Events.Dir, events.DefaultFilename)
	if len(args) == 1 {
		path = args[0]
	} else if cfg.Events.Dir == "" {
		return fmt.Errorf("no event log configured (set events.dir or pass a file)")
	}

	all, err := events.ReadEvents(path)
	if err != nil {
		return err
	}
	tail, _ := cmd.Flags().GetInt("tail")
	for _, e := range selectEvents(all, filter, tail) {
		formatEvent(out, e)
	}
	return nil
}

// selectEvents applies filter and keeps the last tail matches when tail > 0.
func selectEvents(all []events.Event, filter eventFilter, tail int) []events.Event {
	var out []events.Event
	for _, e := range all {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

// formatEvent prints one event as "[15:04:05] kind task details".
func formatEvent(w io.Writer, e events.Event) {
	var b strings.Builder
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "[%s] ", e.Timestamp.Format("15:04:05"))
	}
	kind := fmt.Sprintf("%-18s", e.Kind)
	fmt.Fprintf(&b, "%s %s", kindColor(e.Kind)(kind), shortID(e.TaskID))
	if e.TodoID != "" {
		fmt.Fprintf(&b, " todo=%s", e.TodoID)
	}
	switch e.Kind {
	case events.TaskQueued:
		fmt.Fprintf(&b, " position=%d", e.Position)
	case events.TaskRetry:
		fmt.Fprintf(&b, " attempt=%d", e.RetryCount)
	case events.ProgressUpdate:
		fmt.Fprintf(&b, " %d/%d (%d%%)", e.Completed, e.Total, e.Progress)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	}
	fmt.Fprintln(w, b.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
