package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAgent is returned when no factory is registered for an id.
var ErrUnknownAgent = errors.New("unknown agent")

// Factory builds an agent.
type Factory func() Agent

// Registry maps agent ids to factories. Agents are built on first use and
// reused afterwards; registering an id again drops the cached instance.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Agent),
	}
}

// Default is the process-wide registry. It starts with "echo".
var Default = NewRegistry()

// Register adds or replaces the factory for id.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	delete(r.instances, id)
}

// Unregister removes id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, id)
	delete(r.instances, id)
}

// Get returns the agent for id, building it if needed.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.instances[id]; ok {
		return a, nil
	}
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a := f()
	r.instances[id] = a
	return a, nil
}

// Names returns the registered ids, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for id := range r.factories {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Register adds f to the Default registry.
func Register(id string, f Factory) { Default.Register(id, f) }

// Get resolves id through the Default registry.
func Get(id string) (Agent, error) { return Default.Get(id) }
