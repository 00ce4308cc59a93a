package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andywolf/taskflow/internal/cloud/gcp"
	"github.com/andywolf/taskflow/internal/engine"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/gate"
	"github.com/andywolf/taskflow/internal/logging"
	"github.com/andywolf/taskflow/internal/metrics"
	"github.com/andywolf/taskflow/internal/orchestrator"
	"github.com/andywolf/taskflow/internal/task"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a prompt or a plan to completion",
	Long: `Run a single task and wait for it to finish.

Without --plan the prompt is classified and decomposed by the built-in
planner. With --plan the todos are read from a YAML file:

  todos:
    - id: fetch
      type: tool
      target: read_file
      params: {path: notes.md}
    - id: summarize
      type: agent
      target: echo
      description: summarize the notes
      dependencies: [fetch]

Example:
  taskflow run "what is the status of the build?"
  taskflow run --plan plan.yaml --work-dir ./scratch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTask,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("plan", "", "YAML plan file")
	runCmd.Flags().String("work-dir", "", "Directory tool paths are resolved in (overrides engine.work_dir)")
	runCmd.Flags().Bool("json", false, "Print the finished task as JSON")
}

func runTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if wd, _ := cmd.Flags().GetString("work-dir"); wd != "" {
		cfg.Engine.WorkDir = wd
	}
	registerAgents(cfg.Agents)

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var prompt string
	if len(args) > 0 {
		prompt = strings.TrimSpace(args[0])
	}
	planPath, _ := cmd.Flags().GetString("plan")
	var planner orchestrator.Planner
	if planPath != "" {
		plan, err := orchestrator.LoadPlan(planPath)
		if err != nil {
			return err
		}
		if err := orchestrator.ValidatePlan(plan); err != nil {
			return fmt.Errorf("invalid plan %s: %w", planPath, err)
		}
		planner = orchestrator.StaticPlanner{Plan: plan}
		if prompt == "" {
			prompt = "run plan " + filepath.Base(planPath)
		}
	}
	if prompt == "" {
		return errors.New("a prompt or --plan is required")
	}

	a, err := newApp(ctx, cfg, logger, planner)
	if err != nil {
		return err
	}

	bgCtx, cancelBG := context.WithCancel(ctx)
	g, _ := errgroup.WithContext(bgCtx)
	a.startWorkers(bgCtx, g)

	var result task.Task
	var runErr error
	if planner != nil {
		t := task.New(prompt, task.KindTask)
		t.MaxDepth = cfg.Gate.MaxDepth
		t.LongRunning = gate.IsLongRunning(prompt)
		result, runErr = a.orch.RunTask(ctx, t)
	} else {
		result, runErr = a.orch.Run(ctx, prompt)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", zap.Error(err))
	}
	if a.status != nil && result.ID != "" {
		if err := a.status.Publish(shutdownCtx, finalStatus(result)); err != nil {
			logger.Warn("failed to publish final status", zap.Error(err))
		}
	}
	cancelBG()
	if err := g.Wait(); err != nil {
		logger.Warn("background worker failed", zap.Error(err))
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Warn("failed to close components", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	if err := printResult(cmd.OutOrStdout(), result, asJSON); err != nil {
		return err
	}
	if result.Status != task.StatusCompleted {
		return fmt.Errorf("task %s %s: %s", result.ID, result.Status, result.Error)
	}
	return nil
}

// startWorkers launches the metrics listener, memory decay and the status
// reporter. They stop when ctx is done.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group) {
	if a.registry != nil {
		g.Go(func() error {
			err := metrics.Serve(ctx, a.cfg.Metrics.Addr, a.registry, a.logger)
			if err != nil {
				a.logger.Error("metrics listener failed", zap.Error(err))
			}
			return err
		})
	}
	if a.store != nil {
		g.Go(func() error {
			a.store.RunDecay(ctx, a.cfg.Memory.DecayInterval)
			return nil
		})
	}
	if a.status != nil {
		r := newStatusReporter(a.status, a.logger)
		unsubscribe := a.bus.Subscribe(r)
		g.Go(func() error {
			defer unsubscribe()
			r.run(ctx)
			return nil
		})
	}
}

// statusReporter forwards run progress to a StatusPublisher off the event
// bus goroutine. Updates are dropped while the publisher is behind.
type statusReporter struct {
	pub    gcp.StatusPublisher
	logger *zap.Logger
	ch     chan gcp.RunStatus
}

func newStatusReporter(pub gcp.StatusPublisher, logger *zap.Logger) *statusReporter {
	return &statusReporter{pub: pub, logger: logger, ch: make(chan gcp.RunStatus, 16)}
}

// Notify implements events.Observer.
func (r *statusReporter) Notify(e events.Event) {
	st, ok := runStatusFor(e)
	if !ok {
		return
	}
	select {
	case r.ch <- st:
	default:
		r.logger.Debug("status update dropped", zap.String("task_id", e.TaskID))
	}
}

func (r *statusReporter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-r.ch:
			if err := r.pub.Publish(ctx, st); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to publish status", zap.String("task_id", st.TaskID), zap.Error(err))
			}
		}
	}
}

func runStatusFor(e events.Event) (gcp.RunStatus, bool) {
	st := gcp.RunStatus{TaskID: e.TaskID, UpdatedAt: e.Timestamp}
	switch e.Kind {
	case events.TaskStarted:
		st.Status = string(task.StatusRunning)
	case events.ProgressUpdate:
		st.Status = string(task.StatusRunning)
		st.Completed, st.Total = e.Completed, e.Total
	case events.TaskCompleted:
		st.Status = string(task.StatusCompleted)
	case events.TaskFailed, events.TaskForceCompleted, events.TaskInterrupted:
		st.Status = string(task.StatusFailed)
		st.Error = e.Reason
	default:
		return st, false
	}
	return st, true
}

func finalStatus(t task.Task) gcp.RunStatus {
	st := gcp.RunStatus{
		TaskID:    t.ID,
		Status:    string(t.Status),
		Error:     t.Error,
		UpdatedAt: time.Now(),
	}
	if s, ok := t.Result.(engine.Summary); ok {
		st.Completed, st.Total = s.Completed, s.Total
	}
	return st
}

func printResult(w io.Writer, t task.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	}

	fmt.Fprintf(w, "Task %s %s\n", t.ID, statusColor(t.Status)(t.Status))
	if t.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", t.Error)
	}
	s, ok := t.Result.(engine.Summary)
	if !ok {
		return nil
	}
	fmt.Fprintf(w, "  Todos:     %d/%d in %d loops (%s)\n", s.Completed, s.Total, s.Loops, s.Duration.Round(time.Millisecond))
	if len(s.Artifacts) > 0 {
		fmt.Fprintf(w, "  Artifacts: %s\n", strings.Join(s.Artifacts, ", "))
	}
	saved := 0
	for _, r := range s.SRI {
		saved += r.OriginalTokens - r.OptimizedTokens
	}
	if len(s.SRI) > 0 {
		fmt.Fprintf(w, "  Context:   %d prompts optimized, %d tokens saved\n", len(s.SRI), saved)
	}
	if s.Memory != "" {
		fmt.Fprintf(w, "  Memory:    %s\n", s.Memory)
	}
	return nil
}
