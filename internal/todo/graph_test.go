package todo

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func ids(todos []Todo) []string {
	out := make([]string, len(todos))
	for i, t := range todos {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReady(t *testing.T) {
	tests := []struct {
		name      string
		todos     []Todo
		completed []string
		want      []string
	}{
		{
			name:  "no dependencies are all ready",
			todos: []Todo{{ID: "a"}, {ID: "b"}},
			want:  []string{"a", "b"},
		},
		{
			name:  "dependent waits",
			todos: []Todo{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}},
			want:  []string{"a"},
		},
		{
			name:      "dependent becomes ready",
			todos:     []Todo{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}},
			completed: []string{"a"},
			want:      []string{"b"},
		},
		{
			name: "fan in waits for every parent",
			todos: []Todo{
				{ID: "a"}, {ID: "b"},
				{ID: "c", Dependencies: []string{"a", "b"}},
			},
			completed: []string{"a"},
			want:      []string{"b"},
		},
		{
			name:  "unknown dependency never ready",
			todos: []Todo{{ID: "a", Dependencies: []string{"ghost"}}},
			want:  nil,
		},
		{
			name:  "cycle never ready",
			todos: []Todo{{ID: "a", Dependencies: []string{"b"}}, {ID: "b", Dependencies: []string{"a"}}},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.todos)
			for _, id := range tt.completed {
				if err := g.Complete(id, nil); err != nil {
					t.Fatalf("Complete(%s): %v", id, err)
				}
			}
			got := ids(g.Ready())
			if !equalIDs(got, tt.want) {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadyExcludesFailedDependency(t *testing.T) {
	g := New([]Todo{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}})
	_ = g.MarkRunning("a")
	_ = g.Fail("a", "boom")

	if got := g.Ready(); len(got) != 0 {
		t.Errorf("Ready() = %v, want empty", ids(got))
	}
	if got := ids(g.RetryCandidates()); !equalIDs(got, []string{"a"}) {
		t.Errorf("RetryCandidates() = %v, want [a]", got)
	}

	_ = g.GiveUp("a")
	if got := g.RetryCandidates(); len(got) != 0 {
		t.Errorf("RetryCandidates() after GiveUp = %v, want empty", ids(got))
	}
}

func TestIsComplete(t *testing.T) {
	if !New(nil).IsComplete() {
		t.Error("empty graph should be complete")
	}

	g := New([]Todo{{ID: "a"}, {ID: "b"}})
	if g.IsComplete() {
		t.Error("fresh graph should not be complete")
	}
	_ = g.Complete("a", 1)
	_ = g.Fail("b", "x")
	if g.IsComplete() {
		t.Error("graph with a failed todo should not be complete")
	}
	_ = g.Reset("b")
	_ = g.Complete("b", 2)
	if !g.IsComplete() {
		t.Error("all completed should be complete")
	}

	abandoned := New([]Todo{{ID: "a"}})
	_ = abandoned.Fail("a", "x")
	_ = abandoned.GiveUp("a")
	if !abandoned.IsComplete() {
		t.Error("a given-up todo should not block completion")
	}
}

func TestResetOnlyFromFailed(t *testing.T) {
	g := New([]Todo{{ID: "a"}})
	if err := g.Reset("a"); err == nil {
		t.Error("Reset() of pending todo should fail")
	}
	_ = g.MarkRunning("a")
	_ = g.Fail("a", "e")
	if err := g.Reset("a"); err != nil {
		t.Fatalf("Reset() = %v", err)
	}
	got, _ := g.Get("a")
	if got.Status != StatusPending || got.Error != "" || got.Attempts != 1 {
		t.Errorf("after Reset() = %+v", got)
	}
}

func TestUnknownTodo(t *testing.T) {
	g := New(nil)
	if err := g.Complete("nope", nil); !errors.Is(err, ErrUnknownTodo) {
		t.Errorf("Complete(unknown) = %v, want ErrUnknownTodo", err)
	}
}

func TestCounts(t *testing.T) {
	g := New([]Todo{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}})
	_ = g.MarkRunning("a")
	_ = g.Complete("b", nil)
	_ = g.Fail("c", "x")

	want := Counts{Total: 4, Pending: 1, Running: 1, Completed: 1, Failed: 1}
	if got := g.Counts(); got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		todos   []Todo
		wantErr bool
	}{
		{"valid chain", []Todo{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}}, false},
		{"self edge", []Todo{{ID: "a", Dependencies: []string{"a"}}}, true},
		{"unknown", []Todo{{ID: "a", Dependencies: []string{"z"}}}, true},
		{"cycle", []Todo{
			{ID: "a", Dependencies: []string{"c"}},
			{ID: "b", Dependencies: []string{"a"}},
			{ID: "c", Dependencies: []string{"b"}},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.todos).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsSelfEdgeOnce(t *testing.T) {
	err := New([]Todo{{ID: "a", Dependencies: []string{"a"}}}).Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want self-dependency error")
	}
	if got := strings.Count(err.Error(), "\n") + 1; got != 1 {
		t.Errorf("Validate() reported %d problems, want 1: %v", got, err)
	}
	if !strings.Contains(err.Error(), "depends on itself") {
		t.Errorf("Validate() = %v, want self-dependency message", err)
	}
}

// randomDAG builds n todos where each may depend on any earlier todo, so the
// graph is acyclic by construction.
func randomDAG(rng *rand.Rand, n int) []Todo {
	todos := make([]Todo, n)
	for i := range todos {
		todos[i] = Todo{ID: fmt.Sprintf("t%02d", i), Kind: KindAgent, Target: "echo"}
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				todos[i].Dependencies = append(todos[i].Dependencies, todos[j].ID)
			}
		}
	}
	return todos
}

func TestReadyNeverHasIncompleteDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		g := New(randomDAG(rng, 1+rng.Intn(15)))
		if err := g.Validate(); err != nil {
			t.Fatalf("round %d: random DAG invalid: %v", round, err)
		}

		for step := 0; step < 100; step++ {
			ready := g.Ready()
			for _, r := range ready {
				for _, dep := range r.Dependencies {
					d, _ := g.Get(dep)
					if d.Status != StatusCompleted {
						t.Fatalf("round %d: %s ready while %s is %s", round, r.ID, dep, d.Status)
					}
				}
			}
			if len(ready) == 0 {
				retry := g.RetryCandidates()
				if len(retry) == 0 {
					break
				}
				for _, r := range retry {
					_ = g.Reset(r.ID)
				}
				continue
			}
			for _, r := range ready {
				_ = g.MarkRunning(r.ID)
				if rng.Intn(5) == 0 {
					_ = g.Fail(r.ID, "boom")
				} else {
					_ = g.Complete(r.ID, "ok")
				}
			}
		}

		c := g.Counts()
		if g.IsComplete() != (c.Completed == c.Total) {
			t.Errorf("round %d: IsComplete() = %v with %d/%d completed", round, g.IsComplete(), c.Completed, c.Total)
		}
	}
}

func TestCyclesFindsBackEdge(t *testing.T) {
	g := New([]Todo{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a", "c"}},
		{ID: "c", Dependencies: []string{"b"}},
	})
	cycles := g.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("Cycles() = %v, want one edge", cycles)
	}
}

func TestNewDefaults(t *testing.T) {
	g := New([]Todo{{ID: "a"}})
	got, ok := g.Get("a")
	if !ok {
		t.Fatal("Get(a) missing")
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}
