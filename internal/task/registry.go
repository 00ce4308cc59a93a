package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/andywolf/taskflow/internal/events"
)

// Registry defaults.
const (
	DefaultCapacity         = 1000
	DefaultTTL              = 24 * time.Hour
	DefaultMaxEventsPerTask = 500
)

// RegistryConfig bounds the registry. Entries are dropped when capacity is
// exceeded (least recently touched first) or when they have not been touched
// for TTL. A zero TTL disables expiry.
type RegistryConfig struct {
	Capacity         int
	TTL              time.Duration
	MaxEventsPerTask int
}

// Registry keeps recent tasks and their event logs. It implements
// events.Observer so it can be subscribed to a bus. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	tasks     *expirable.LRU[string, Task]
	logs      *expirable.LRU[string, []events.Event]
	maxEvents int
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxEventsPerTask <= 0 {
		cfg.MaxEventsPerTask = DefaultMaxEventsPerTask
	}
	return &Registry{
		tasks:     expirable.NewLRU[string, Task](cfg.Capacity, nil, cfg.TTL),
		logs:      expirable.NewLRU[string, []events.Event](cfg.Capacity, nil, cfg.TTL),
		maxEvents: cfg.MaxEventsPerTask,
	}
}

// Put stores or replaces a task.
func (r *Registry) Put(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks.Add(t.ID, t)
}

// Get returns a task by id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Get(id)
}

// Update applies fn to the stored task and saves the result.
func (r *Registry) Update(id string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks.Get(id)
	if !ok {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	fn(&t)
	r.tasks.Add(id, t)
	return t, nil
}

// Remove deletes a task and its events.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks.Remove(id)
	r.logs.Remove(id)
}

// List returns every live task, newest first.
func (r *Registry) List() []Task {
	r.mu.Lock()
	out := r.tasks.Values()
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Len()
}

// Notify appends e to its task's event log, dropping the oldest entries
// beyond MaxEventsPerTask.
func (r *Registry) Notify(e events.Event) {
	if e.TaskID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	log, _ := r.logs.Get(e.TaskID)
	log = append(log, e)
	if len(log) > r.maxEvents {
		log = append([]events.Event(nil), log[len(log)-r.maxEvents:]...)
	}
	r.logs.Add(e.TaskID, log)
}

// Events returns a copy of a task's event log.
func (r *Registry) Events(taskID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, _ := r.logs.Peek(taskID)
	out := make([]events.Event, len(log))
	copy(out, log)
	return out
}
