package todo

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownTodo is returned when an operation names a todo not in the graph.
var ErrUnknownTodo = errors.New("unknown todo")

// Edge is a dependency relation: Child depends on Parent.
type Edge struct {
	Parent string
	Child  string
}

// Counts summarizes todo statuses.
type Counts struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Graph is a set of todos with dependency edges. Readiness is derived from
// the current statuses on every call; nothing is cached. Safe for concurrent
// use.
type Graph struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]*Todo
}

// New builds a graph from todos, keeping their order. Todos without a status
// start Pending. A later duplicate id replaces the earlier one in place.
func New(todos []Todo) *Graph {
	g := &Graph{nodes: make(map[string]*Todo, len(todos))}
	now := time.Now()
	for _, t := range todos {
		t := t
		if t.Status == "" {
			t.Status = StatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.Dependencies = append([]string(nil), t.Dependencies...)
		if _, exists := g.nodes[t.ID]; !exists {
			g.order = append(g.order, t.ID)
		}
		g.nodes[t.ID] = &t
	}
	return g
}

// Len returns the number of todos.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Get returns a copy of the todo with the given id.
func (g *Graph) Get(id string) (Todo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.nodes[id]
	if !ok {
		return Todo{}, false
	}
	return *t, true
}

// Todos returns copies of all todos in graph order.
func (g *Graph) Todos() []Todo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Todo, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// depsCompleted reports whether every dependency of t is Completed. A
// dependency that is not in the graph is never satisfied. Caller holds mu.
func (g *Graph) depsCompleted(t *Todo) bool {
	for _, dep := range t.Dependencies {
		d, ok := g.nodes[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Ready returns the Pending todos whose dependencies are all Completed, in
// graph order.
func (g *Graph) Ready() []Todo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []Todo
	for _, id := range g.order {
		t := g.nodes[id]
		if t.Status == StatusPending && g.depsCompleted(t) {
			ready = append(ready, *t)
		}
	}
	return ready
}

// RetryCandidates returns Failed todos that were not abandoned and whose
// dependencies are all Completed.
func (g *Graph) RetryCandidates() []Todo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Todo
	for _, id := range g.order {
		t := g.nodes[id]
		if t.Status == StatusFailed && !t.GaveUp && g.depsCompleted(t) {
			out = append(out, *t)
		}
	}
	return out
}

// IsComplete reports whether every todo is Completed or was explicitly given
// up on. An empty graph is complete.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.nodes {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// HasPending reports whether any todo is still Pending.
func (g *Graph) HasPending() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.nodes {
		if t.Status == StatusPending {
			return true
		}
	}
	return false
}

// Counts tallies todos by status.
func (g *Graph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := Counts{Total: len(g.order)}
	for _, t := range g.nodes {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

func (g *Graph) update(id string, fn func(t *Todo) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTodo, id)
	}
	return fn(t)
}

// MarkRunning moves a todo to Running and counts the attempt.
func (g *Graph) MarkRunning(id string) error {
	return g.update(id, func(t *Todo) error {
		t.Status = StatusRunning
		t.Attempts++
		return nil
	})
}

// Complete records a successful result.
func (g *Graph) Complete(id string, result any) error {
	return g.update(id, func(t *Todo) error {
		t.Status = StatusCompleted
		t.Result = result
		t.Error = ""
		t.CompletedAt = time.Now()
		return nil
	})
}

// Fail records a failure.
func (g *Graph) Fail(id string, errText string) error {
	return g.update(id, func(t *Todo) error {
		t.Status = StatusFailed
		t.Error = errText
		return nil
	})
}

// Reset moves a Failed todo back to Pending for another attempt.
func (g *Graph) Reset(id string) error {
	return g.update(id, func(t *Todo) error {
		if t.Status != StatusFailed {
			return fmt.Errorf("todo %s is %s, only failed todos can be reset", id, t.Status)
		}
		t.Status = StatusPending
		t.Error = ""
		return nil
	})
}

// GiveUp marks a Failed todo as abandoned so it is no longer retried.
func (g *Graph) GiveUp(id string) error {
	return g.update(id, func(t *Todo) error {
		t.GaveUp = true
		return nil
	})
}

// SetParams replaces a todo's parameters.
func (g *Graph) SetParams(id string, params map[string]any) error {
	return g.update(id, func(t *Todo) error {
		t.Params = params
		return nil
	})
}

// Validate reports planning defects: self-dependencies, dependencies on
// unknown todos, and cycles. It never modifies the graph.
func (g *Graph) Validate() error {
	g.mu.RLock()
	var errs []error
	for _, id := range g.order {
		for _, dep := range g.nodes[id].Dependencies {
			if dep == id {
				errs = append(errs, fmt.Errorf("todo %s depends on itself", id))
				continue
			}
			if _, ok := g.nodes[dep]; !ok {
				errs = append(errs, fmt.Errorf("todo %s depends on unknown todo %s", id, dep))
			}
		}
	}
	g.mu.RUnlock()

	for _, e := range g.Cycles() {
		if e.Parent == e.Child {
			continue
		}
		errs = append(errs, fmt.Errorf("dependency cycle through %s -> %s", e.Parent, e.Child))
	}
	return errors.Join(errs...)
}

// Cycles finds back edges with a depth-first search in graph order. Each
// returned edge closes a cycle. Self-dependencies are reported as well.
func (g *Graph) Cycles() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // finished
	)

	// children[parent] lists todos that depend on parent.
	children := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		for _, dep := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[dep]; ok {
				children[dep] = append(children[dep], id)
			}
		}
	}

	color := make(map[string]int, len(g.order))
	var back []Edge

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = gray
		for _, child := range children[node] {
			switch color[child] {
			case white:
				dfs(child)
			case gray:
				back = append(back, Edge{Parent: node, Child: child})
			}
		}
		color[node] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			dfs(id)
		}
	}
	return back
}
