package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/events"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/task"
	"github.com/andywolf/taskflow/internal/todo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedAgents answers per target; a script entry is consumed per call and
// the last entry repeats.
type scriptedAgents struct {
	mu      sync.Mutex
	scripts map[string][]agent.Response
	calls   map[string]int
	prompts map[string][]string
	block   bool
}

func newScripted() *scriptedAgents {
	return &scriptedAgents{
		scripts: map[string][]agent.Response{},
		calls:   map[string]int{},
		prompts: map[string][]string{},
	}
}

func (s *scriptedAgents) on(target string, responses ...agent.Response) *scriptedAgents {
	s.scripts[target] = responses
	return s
}

func (s *scriptedAgents) RunAgent(ctx context.Context, target, prompt string) (agent.Response, error) {
	s.mu.Lock()
	n := s.calls[target]
	s.calls[target]++
	s.prompts[target] = append(s.prompts[target], prompt)
	script := s.scripts[target]
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return agent.Response{}, ctx.Err()
	}
	if len(script) == 0 {
		return agent.Response{Success: true, Data: target + " done"}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (s *scriptedAgents) count(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[target]
}

type toolFunc func(ctx context.Context, name string, params map[string]any) (agent.Response, error)

func (f toolFunc) RunTool(ctx context.Context, name string, params map[string]any) (agent.Response, error) {
	return f(ctx, name, params)
}

type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func agentTodo(id string, deps ...string) todo.Todo {
	return todo.Todo{ID: id, Description: "do " + id, Kind: todo.KindAgent, Target: id, Dependencies: deps}
}

func fail(msg string) agent.Response { return agent.Response{Error: msg} }

func TestRunDiamondEmitsProgressPerCycle(t *testing.T) {
	rec := &events.Recorder{}
	e := New(Config{}, newScripted(), nil, WithObserver(rec))
	tk := task.New("build it", task.KindTask)
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B"), agentTodo("C", "A", "B")})

	s, err := e.Run(context.Background(), tk, g)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Loops)
	assert.Equal(t, "C done", s.Results["C"])

	progress := events.FilterByKind(rec.Events(), events.ProgressUpdate)
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[0].Completed)
	assert.Equal(t, 66, progress[0].Progress)
	assert.Equal(t, 3, progress[1].Completed)
	assert.Equal(t, 100, progress[1].Progress)

	assert.Len(t, events.FilterByKind(rec.Events(), events.TodoStarted), 3)
	assert.Len(t, events.FilterByKind(rec.Events(), events.TodoCompleted), 3)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	agents := newScripted().on("A",
		fail("ECONNRESET network timeout"),
		agent.Response{Success: true, Data: "ok"},
	)
	sl := &sleeps{}
	rec := &events.Recorder{}
	e := New(Config{}, agents, nil, WithSleep(sl.sleep), WithObserver(rec))
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B", "A")})

	s, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 2, agents.count("A"))
	assert.Equal(t, []time.Duration{10 * time.Second}, sl.delays)
	assert.Len(t, events.FilterByKind(rec.Events(), events.TaskRetry), 1)
	assert.Len(t, events.FilterByKind(rec.Events(), events.TodoFailed), 1)

	a, _ := g.Get("A")
	assert.Equal(t, 2, a.Attempts)
}

func TestRunMaxLoopsExceeded(t *testing.T) {
	agents := newScripted().on("A", fail("network timeout"))
	e := New(Config{MaxLoops: 3}, agents, nil, WithSleep((&sleeps{}).sleep))
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B", "A")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxLoopsExceeded)
	assert.Contains(t, err.Error(), "exceeded maximum loops")

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindMaxLoops, runErr.Kind)
	assert.Equal(t, 3, runErr.Summary.Loops)
	assert.Equal(t, 3, agents.count("A"))
	assert.Zero(t, agents.count("B"))
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	agents := newScripted().on("A", fail("service temporarily unavailable"))
	e := New(Config{MaxLoops: 20, MaxRetries: 2}, agents, nil, WithSleep((&sleeps{}).sleep))
	g := todo.New([]todo.Todo{agentTodo("A")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTodoFailed)
	assert.Equal(t, 3, agents.count("A"))

	a, _ := g.Get("A")
	assert.True(t, a.GaveUp)
}

func TestRunPermanentFailureStallsDependents(t *testing.T) {
	agents := newScripted().on("A", fail("syntax error in template"))
	e := New(Config{}, agents, nil)
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B", "A")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.Contains(t, err.Error(), "syntax error")

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindStalled, runErr.Kind)
	assert.Equal(t, 2, runErr.Summary.Loops)
	assert.Equal(t, 1, agents.count("A"))
}

func TestRunDoesNotRetryUncorrectableInvalidInput(t *testing.T) {
	agents := newScripted().on("A", fail("invalid api key"))
	e := New(Config{}, agents, nil, WithSleep((&sleeps{}).sleep))
	g := todo.New([]todo.Todo{agentTodo("A")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.Error(t, err)
	assert.Equal(t, 1, agents.count("A"))
}

func TestRunRetriesAfterParameterCorrection(t *testing.T) {
	var calls []map[string]any
	tools := toolFunc(func(_ context.Context, _ string, params map[string]any) (agent.Response, error) {
		calls = append(calls, params)
		if _, ok := params["path"]; !ok {
			return agent.Response{Error: "invalid parameters: path is required"}, nil
		}
		return agent.Response{Success: true, Data: params["path"]}, nil
	})
	e := New(Config{}, nil, tools, WithSleep((&sleeps{}).sleep))
	g := todo.New([]todo.Todo{{
		ID: "w", Kind: todo.KindTool, Target: "write_file",
		Params: map[string]any{" path ": "/tmp/out.txt"},
	}})

	s, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Completed)
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"path": "/tmp/out.txt"}, calls[1])
}

func TestRunRandomDAGsTerminate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const maxLoops = 30
	for round := 0; round < 40; round++ {
		n := 1 + rng.Intn(12)
		agents := newScripted()
		todos := make([]todo.Todo, n)
		for i := range todos {
			id := fmt.Sprintf("t%02d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, todos[j].ID)
				}
			}
			todos[i] = agentTodo(id, deps...)
			switch rng.Intn(10) {
			case 0:
				agents.on(id, fail("syntax error"))
			case 1, 2:
				agents.on(id, fail("network timeout"), agent.Response{Success: true, Data: "ok"})
			}
		}
		g := todo.New(todos)
		e := New(Config{MaxLoops: maxLoops}, agents, nil, WithSleep((&sleeps{}).sleep))

		s, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
		loops := s.Loops
		var runErr *RunError
		if errors.As(err, &runErr) {
			loops = runErr.Summary.Loops
		}
		assert.LessOrEqual(t, loops, maxLoops, "round %d", round)

		allCompleted := true
		for _, td := range g.Todos() {
			if td.Status != todo.StatusCompleted {
				allCompleted = false
			}
		}
		assert.Equal(t, allCompleted, g.IsComplete(), "round %d", round)
		assert.Equal(t, err == nil, g.IsComplete(), "round %d: %v", round, err)
	}
}

func TestRunCyclicGraphStalls(t *testing.T) {
	e := New(Config{}, newScripted(), nil)
	g := todo.New([]todo.Todo{agentTodo("A", "B"), agentTodo("B", "A")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestRunIndependentBranchContinues(t *testing.T) {
	agents := newScripted().on("A", fail("permission denied"))
	e := New(Config{}, agents, nil)
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B"), agentTodo("C", "B")})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTodoFailed)

	c, _ := g.Get("C")
	assert.Equal(t, todo.StatusCompleted, c.Status)
}

func TestRunCancelled(t *testing.T) {
	agents := newScripted()
	agents.block = true
	e := New(Config{}, agents, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := e.Run(ctx, task.New("x", task.KindTask), todo.New([]todo.Todo{agentTodo("A")}))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindCancelled, runErr.Kind)
}

type loopingSupervisor struct {
	mu      sync.Mutex
	touches int
	extends []time.Duration
	errors  int
}

func (s *loopingSupervisor) Extend(_ string, extra time.Duration) error {
	s.mu.Lock()
	s.extends = append(s.extends, extra)
	s.mu.Unlock()
	return nil
}

func (s *loopingSupervisor) Touch(string) error {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return nil
}

func (s *loopingSupervisor) RecordRetry(string) int { return 1 }

func (s *loopingSupervisor) DetectErrorLoop(string, string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
	return s.errors >= 2
}

func TestRunStopsOnErrorLoop(t *testing.T) {
	sup := &loopingSupervisor{}
	agents := newScripted().on("A", fail("network unreachable"))
	e := New(Config{}, agents, nil, WithSupervisor(sup), WithSleep((&sleeps{}).sleep))

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), todo.New([]todo.Todo{agentTodo("A")}))
	assert.ErrorIs(t, err, ErrErrorLoop)
	assert.Equal(t, 2, agents.count("A"))
	assert.Equal(t, 3, sup.touches)
	assert.Equal(t, []time.Duration{10 * time.Second}, sup.extends)
}

func TestRunToolTodosAndArtifacts(t *testing.T) {
	var got map[string]any
	tools := toolFunc(func(_ context.Context, name string, params map[string]any) (agent.Response, error) {
		if name != "write_file" {
			return agent.Response{}, errors.New("unexpected tool")
		}
		got = params
		return agent.Response{Success: true, Data: params["path"]}, nil
	})
	e := New(Config{}, nil, tools)
	g := todo.New([]todo.Todo{{
		ID: "w", Kind: todo.KindTool, Target: "write_file",
		Params: map[string]any{"path": "/tmp/out.txt", "content": "x"},
	}})

	s, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	require.NoError(t, err)
	assert.Equal(t, "x", got["content"])
	assert.Equal(t, []string{"/tmp/out.txt"}, s.Artifacts)
}

func TestRunInvalidKindFails(t *testing.T) {
	e := New(Config{}, newScripted(), nil)
	g := todo.New([]todo.Todo{{ID: "x", Kind: "mystery"}})

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), g)
	assert.ErrorIs(t, err, ErrTodoFailed)
	x, _ := g.Get("x")
	assert.Contains(t, x.Error, "invalid todo type")
}

func TestRunWithSRI(t *testing.T) {
	store := sri.NewStore(sri.DefaultStoreConfig(), nil)
	protocol := sri.NewProtocol(store, sri.NewOptimizer(store, sri.OptimizerConfig{}))
	agents := newScripted()
	e := New(Config{}, agents, nil, WithSRI(protocol))

	tk := task.New("write a python function", task.KindTask)
	g := todo.New([]todo.Todo{agentTodo("A"), agentTodo("B", "A")})
	s, err := e.Run(context.Background(), tk, g)
	require.NoError(t, err)

	assert.Len(t, s.SRI, 2)
	assert.NotEmpty(t, s.Memory)
	assert.Equal(t, 1, store.Len())

	agents.mu.Lock()
	prompt := agents.prompts["B"][0]
	agents.mu.Unlock()
	assert.True(t, strings.HasPrefix(prompt, "do B"))
	assert.Contains(t, prompt, "A done")
}

type countingRecorder struct {
	mu       sync.Mutex
	finished int
	retried  []correction.Category
	outcome  string
}

func (c *countingRecorder) TodoFinished(todo.Kind, bool, time.Duration) {
	c.mu.Lock()
	c.finished++
	c.mu.Unlock()
}

func (c *countingRecorder) TodoRetried(cat correction.Category) {
	c.mu.Lock()
	c.retried = append(c.retried, cat)
	c.mu.Unlock()
}

func (c *countingRecorder) RunFinished(outcome string, _ int) {
	c.mu.Lock()
	c.outcome = outcome
	c.mu.Unlock()
}

func TestRunRecordsMetrics(t *testing.T) {
	rec := &countingRecorder{}
	agents := newScripted().on("A", fail("rate limit exceeded"), agent.Response{Success: true})
	sl := &sleeps{}
	e := New(Config{}, agents, nil, WithRecorder(rec), WithSleep(sl.sleep))

	_, err := e.Run(context.Background(), task.New("x", task.KindTask), todo.New([]todo.Todo{agentTodo("A")}))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.finished)
	assert.Equal(t, []correction.Category{correction.CategoryRateLimit}, rec.retried)
	assert.Equal(t, "completed", rec.outcome)
	assert.Equal(t, []time.Duration{60 * time.Second}, sl.delays)
}

func TestRunRendersDependencyResults(t *testing.T) {
	agents := newScripted().on("fetch", agent.Response{Success: true, Data: "three open incidents"})
	var gotParams map[string]any
	tools := toolFunc(func(_ context.Context, _ string, params map[string]any) (agent.Response, error) {
		gotParams = params
		return agent.Response{Success: true, Data: "saved"}, nil
	})
	e := New(Config{WorkDir: "/srv/work"}, agents, tools)
	tk := task.New("report", task.KindTask)
	g := todo.New([]todo.Todo{
		{ID: "fetch", Description: "list incidents", Kind: todo.KindAgent, Target: "fetch"},
		{ID: "summarize", Description: "summarize {{fetch}} for {{task_id}}", Kind: todo.KindAgent, Target: "summarize", Dependencies: []string{"fetch"}},
		{ID: "save", Kind: todo.KindTool, Target: "write_file", Dependencies: []string{"summarize"},
			Params: map[string]any{"path": "{{work_dir}}/report.txt", "content": "{{summarize}}"}},
	})

	_, err := e.Run(context.Background(), tk, g)
	require.NoError(t, err)

	assert.Equal(t, []string{"summarize three open incidents for " + tk.ID}, agents.prompts["summarize"])
	assert.Equal(t, map[string]any{"path": "/srv/work/report.txt", "content": "summarize done"}, gotParams)

	stored, _ := g.Get("save")
	assert.Equal(t, "{{work_dir}}/report.txt", stored.Params["path"], "graph keeps the unrendered params")
}
