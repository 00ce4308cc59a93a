package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/task"
	"github.com/andywolf/taskflow/internal/template"
	"github.com/andywolf/taskflow/internal/todo"
)

// DefaultTodoDuration is the planning estimate for a single todo.
const DefaultTodoDuration = 30 * time.Second

// Plan is a task decomposed into todos.
type Plan struct {
	Todos             []todo.Todo    `yaml:"todos" json:"todos"`
	EstimatedDuration time.Duration  `yaml:"estimated_duration,omitempty" json:"estimated_duration"`
	Complexity        sri.Complexity `yaml:"complexity,omitempty" json:"complexity"`
}

// Planner decomposes a task into a plan.
type Planner interface {
	CreatePlan(ctx context.Context, t task.Task) (Plan, error)
}

// ValidatePlan rejects empty plans, duplicate ids and graphs with unknown or
// cyclic dependencies.
func ValidatePlan(p Plan) error {
	if len(p.Todos) == 0 {
		return errors.New("plan has no todos")
	}
	seen := make(map[string]bool, len(p.Todos))
	var errs []error
	for _, t := range p.Todos {
		if t.ID == "" {
			errs = append(errs, errors.New("todo without id"))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("duplicate todo id %q", t.ID))
		}
		seen[t.ID] = true
		if t.Kind != todo.KindAgent && t.Kind != todo.KindTool {
			errs = append(errs, fmt.Errorf("todo %q has invalid type %q", t.ID, t.Kind))
		}
		if t.Target == "" {
			errs = append(errs, fmt.Errorf("todo %q has no target", t.ID))
		}
	}
	for _, t := range p.Todos {
		errs = append(errs, checkReferences(t, seen)...)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return todo.New(p.Todos).Validate()
}

// checkReferences rejects placeholders naming a todo that t does not depend
// on; its result would not be available when t runs.
func checkReferences(t todo.Todo, ids map[string]bool) []error {
	deps := make(map[string]bool, len(t.Dependencies))
	for _, d := range t.Dependencies {
		deps[d] = true
	}
	texts := []string{t.Description}
	for _, v := range t.Params {
		if s, ok := v.(string); ok {
			texts = append(texts, s)
		}
	}
	var errs []error
	for _, text := range texts {
		for _, name := range template.References(text) {
			if ids[name] && !deps[name] {
				errs = append(errs, fmt.Errorf("todo %q references %q without depending on it", t.ID, name))
			}
		}
	}
	return errs
}

// ParsePlan decodes a YAML plan.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	if p.Complexity == "" {
		p.Complexity = sri.ComplexityFor(len(p.Todos))
	}
	if p.EstimatedDuration == 0 {
		p.EstimatedDuration = time.Duration(len(p.Todos)) * DefaultTodoDuration
	}
	return p, nil
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParsePlan(data)
}

// StaticPlanner returns the same plan for every task.
type StaticPlanner struct {
	Plan Plan
}

// CreatePlan implements Planner. Each call gets its own copy of the todos.
func (s StaticPlanner) CreatePlan(_ context.Context, _ task.Task) (Plan, error) {
	p := s.Plan
	p.Todos = make([]todo.Todo, len(s.Plan.Todos))
	for i, t := range s.Plan.Todos {
		t.Dependencies = append([]string(nil), t.Dependencies...)
		if t.Params != nil {
			params := make(map[string]any, len(t.Params))
			for k, v := range t.Params {
				params[k] = v
			}
			t.Params = params
		}
		p.Todos[i] = t
	}
	return p, nil
}

var (
	sequentialSplit = regexp.MustCompile(`(?i)[,;]?\s+(?:and then|after that|finally|then|depois|por fim)\s+`)
	parallelSplit   = regexp.MustCompile(`(?i)\s+(?:and|e)\s+`)
	leadingFirst    = regexp.MustCompile(`(?i)^\s*(?:first|primeiro)[,:]?\s+`)
)

// HeuristicPlanner splits a prompt on sequencing words ("first ... then
// ...") into a chain of agent todos, or on "and" into parallel agent todos
// when the prompt asks to create something. Anything else becomes a single
// todo.
type HeuristicPlanner struct {
	// Agents maps a subtype (see the Subtype constants) to an agent id.
	Agents map[string]string
	// DefaultAgent handles subtypes without a mapping. Empty means "echo".
	DefaultAgent string
}

// CreatePlan implements Planner.
func (h HeuristicPlanner) CreatePlan(_ context.Context, t task.Task) (Plan, error) {
	prompt := strings.TrimSpace(t.Prompt)
	if prompt == "" {
		return Plan{}, errors.New("cannot plan an empty prompt")
	}
	lower := strings.ToLower(prompt)

	var parts []string
	sequential := false
	switch {
	case sequentialSplit.MatchString(prompt):
		parts = sequentialSplit.Split(leadingFirst.ReplaceAllString(prompt, ""), -1)
		sequential = true
	case parallelSplit.MatchString(prompt) && (strings.Contains(lower, "create") || strings.Contains(lower, "generate") || strings.Contains(lower, "crie")):
		parts = parallelSplit.Split(prompt, -1)
	default:
		parts = []string{prompt}
	}

	var todos []todo.Todo
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id := fmt.Sprintf("subtask-%d", len(todos)+1)
		td := todo.Todo{
			ID:          id,
			Description: part,
			Kind:        todo.KindAgent,
			Target:      h.agentFor(subtypeOf(part)),
		}
		if sequential && len(todos) > 0 {
			td.Dependencies = []string{todos[len(todos)-1].ID}
		}
		todos = append(todos, td)
	}

	duration := DefaultTodoDuration
	if sequential {
		duration = time.Duration(len(todos)) * DefaultTodoDuration
	}
	return Plan{Todos: todos, EstimatedDuration: duration, Complexity: sri.ComplexityFor(len(todos))}, nil
}

func (h HeuristicPlanner) agentFor(subtype string) string {
	if id, ok := h.Agents[subtype]; ok && id != "" {
		return id
	}
	if h.DefaultAgent != "" {
		return h.DefaultAgent
	}
	return "echo"
}

func subtypeOf(part string) string {
	lower := " " + strings.ToLower(part) + " "
	switch {
	case containsAny(lower, imageWords):
		return SubtypeImage
	case containsAny(lower, textWords):
		return SubtypeText
	case containsAny(lower, audioWords):
		return SubtypeAudio
	default:
		return ""
	}
}
