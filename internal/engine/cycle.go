package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/template"
	"github.com/andywolf/taskflow/internal/todo"
)

var errUnknownKind = errors.New("invalid todo type")

// cycle runs every ready todo concurrently and waits for all of them. Todo
// failures are recorded on the graph and never abort the cycle.
func (e *Engine) cycle(ctx context.Context, r *run, ready []todo.Todo) {
	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}
	for _, t := range ready {
		t := t
		g.Go(func() error {
			e.execute(ctx, r, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) execute(ctx context.Context, r *run, t todo.Todo) {
	log := r.logger.With(zap.String("todo_id", t.ID), zap.String("target", t.Target))
	if err := r.graph.MarkRunning(t.ID); err != nil {
		log.Warn("could not mark todo running", zap.Error(err))
		return
	}
	e.notify(events.Todo(events.TodoStarted, r.task.ID, t.ID, t.Description))

	start := time.Now()
	resp, err := e.dispatch(ctx, r, t)
	if err == nil {
		err = resp.Err()
	}
	if e.recorder != nil {
		e.recorder.TodoFinished(t.Kind, err == nil, time.Since(start))
	}

	if err == nil {
		_ = r.graph.Complete(t.ID, resp.Data)
		e.notify(events.Todo(events.TodoCompleted, r.task.ID, t.ID, t.Description))
		log.Debug("todo completed", zap.Duration("elapsed", time.Since(start)))
		return
	}

	errText := err.Error()
	_ = r.graph.Fail(t.ID, errText)
	r.setErr(fmt.Errorf("todo %s: %w", t.ID, err))
	failed := events.Todo(events.TodoFailed, r.task.ID, t.ID, t.Description)
	failed.Reason = errText
	e.notify(failed)

	analysis := e.corrector.Analyze(errText)
	log.Warn("todo failed",
		zap.String("error", errText),
		zap.String("category", string(analysis.Diagnosis.Category)),
		zap.Bool("retryable", analysis.ShouldRetry))

	if ctx.Err() == nil {
		target := &correction.Target{WorkDir: e.cfg.WorkDir, Params: t.Params}
		fixed, cerr := e.corrector.ExecuteCorrection(ctx, analysis.Solution, target)
		switch {
		case cerr != nil:
			log.Warn("correction failed", zap.Error(cerr))
		case fixed:
			_ = r.graph.SetParams(t.ID, target.Params)
			r.mu.Lock()
			r.corrected[t.ID] = true
			r.mu.Unlock()
			log.Info("correction applied", zap.String("solution", string(analysis.Solution)))
		}
	}

	if e.sup != nil && e.sup.DetectErrorLoop(r.task.ID, errText) {
		r.mu.Lock()
		r.errorLoop = true
		r.mu.Unlock()
	}
}

func (e *Engine) dispatch(ctx context.Context, r *run, t todo.Todo) (agent.Response, error) {
	vars := e.variables(r, t)
	t.Description = template.Render(t.Description, vars)
	t.Params = template.RenderParams(t.Params, vars)

	switch t.Kind {
	case todo.KindAgent:
		if e.agents == nil {
			return agent.Response{}, fmt.Errorf("no agent executor for %s", t.Target)
		}
		return e.agents.RunAgent(ctx, t.Target, e.prompt(r, t))
	case todo.KindTool:
		if e.tools == nil {
			return agent.Response{}, fmt.Errorf("no tool executor for %s", t.Target)
		}
		return e.tools.RunTool(ctx, t.Target, t.Params)
	default:
		return agent.Response{}, fmt.Errorf("%w %q", errUnknownKind, t.Kind)
	}
}

// variables are the placeholder values for t: the task id and prompt, the
// work dir, and the result of every completed dependency under its todo id.
func (e *Engine) variables(r *run, t todo.Todo) map[string]string {
	builtins := map[string]string{"task_id": r.task.ID, "prompt": r.task.Prompt}
	if e.cfg.WorkDir != "" {
		builtins["work_dir"] = e.cfg.WorkDir
	}
	results := make(map[string]string, len(t.Dependencies))
	for _, id := range t.Dependencies {
		if d, ok := r.graph.Get(id); ok && d.Status == todo.StatusCompleted && d.Result != nil {
			results[id] = fmt.Sprint(d.Result)
		}
	}
	return template.Merge(builtins, results)
}

// prompt builds the agent prompt: the todo description followed by the
// optimized task context when SRI is enabled.
func (e *Engine) prompt(r *run, t todo.Todo) string {
	if e.sri == nil {
		return t.Description
	}
	res := e.sri.Optimize(e.conversation(r, t), r.task.ID, t.Target)
	r.mu.Lock()
	r.sriRes = append(r.sriRes, res)
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString(t.Description)
	b.WriteString("\n\n## Context:\n")
	b.WriteString(res.Context)
	return b.String()
}

// conversation renders the task prompt and completed results as turns.
func (e *Engine) conversation(r *run, t todo.Todo) []sri.Message {
	msgs := []sri.Message{{Role: "user", Content: r.task.Prompt}}
	for _, done := range r.graph.Todos() {
		if done.Status != todo.StatusCompleted || done.Result == nil {
			continue
		}
		msgs = append(msgs, sri.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("%s: %v", done.ID, done.Result),
		})
	}
	return append(msgs, sri.Message{Role: "user", Content: t.Description})
}

// retry resets failed todos that may succeed on another attempt (transient
// errors, or errors a correction was applied for), waits the longest of their
// retry delays and returns them as the cycle's ready set.
// When nothing can be retried the candidates are given up and ErrStalled is
// returned.
func (e *Engine) retry(ctx context.Context, r *run) ([]todo.Todo, error) {
	var (
		ready []todo.Todo
		delay time.Duration
	)
	candidates := r.graph.RetryCandidates()
	for _, t := range candidates {
		a := e.corrector.Analyze(t.Error)
		corrected := r.takeCorrected(t.ID)
		if !(a.ShouldRetry || corrected) || t.Attempts > e.cfg.MaxRetries {
			continue
		}
		if err := r.graph.Reset(t.ID); err != nil {
			continue
		}
		if a.ShouldRetry && a.RetryDelay > delay {
			delay = a.RetryDelay
		}
		if e.recorder != nil {
			e.recorder.TodoRetried(a.Diagnosis.Category)
		}
		reset, _ := r.graph.Get(t.ID)
		ready = append(ready, reset)
	}

	if len(ready) == 0 {
		for _, t := range candidates {
			_ = r.graph.GiveUp(t.ID)
		}
		return nil, ErrStalled
	}

	r.retries++
	count := r.retries
	if e.sup != nil {
		count = e.sup.RecordRetry(r.task.ID)
	}
	e.notify(events.Retry(r.task.ID, count))
	r.logger.Info("retrying failed todos", zap.Int("todos", len(ready)), zap.Duration("delay", delay))

	if e.sup != nil && delay > 0 {
		_ = e.sup.Extend(r.task.ID, delay)
	}
	if err := e.sleep(ctx, delay); err != nil {
		return nil, err
	}
	if e.sup != nil {
		_ = e.sup.Touch(r.task.ID)
	}
	return ready, nil
}
