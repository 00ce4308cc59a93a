package sri

import (
	"time"
)

// Record is an experience to remember.
type Record struct {
	TaskID     string
	AgentID    string
	Context    string
	Experience Experience
	Complexity Complexity
}

// Protocol ties scoring, storage and optimization together.
type Protocol struct {
	Store     *Store
	Optimizer *Optimizer
	now       func() time.Time
}

// NewProtocol wires a store and an optimizer.
func NewProtocol(store *Store, optimizer *Optimizer) *Protocol {
	return &Protocol{Store: store, Optimizer: optimizer, now: time.Now}
}

// StoreExperience scores rec and stores it when salient. It reports the
// memory and whether it was kept.
func (p *Protocol) StoreExperience(rec Record) (Memory, bool) {
	vec := Score(rec.Experience, p.now())
	category := ContextCategory(rec.Context)
	complexity := rec.Complexity
	if complexity == "" {
		complexity = ComplexitySimple
	}
	return p.Store.Add(Memory{
		Vector:     vec,
		Outcome:    rec.Experience.Outcome,
		Policy:     PolicyFor(rec.Experience.Outcome, category),
		Context:    rec.Context,
		TaskID:     rec.TaskID,
		AgentID:    rec.AgentID,
		Domain:     category,
		Complexity: complexity,
	})
}

// Optimize delegates to the optimizer, choosing the agent-scoped variant
// when agentID is set.
func (p *Protocol) Optimize(messages []Message, taskID, agentID string) Result {
	if agentID != "" {
		return p.Optimizer.OptimizeForAgent(agentID, messages, taskID)
	}
	return p.Optimizer.Optimize(messages, taskID)
}

// ComplexityFor labels a task by its number of todos.
func ComplexityFor(todos int) Complexity {
	switch {
	case todos <= 2:
		return ComplexitySimple
	case todos <= 5:
		return ComplexityMedium
	default:
		return ComplexityComplex
	}
}
