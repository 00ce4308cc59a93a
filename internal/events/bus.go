package events

import (
	"sync"

	"go.uber.org/zap"
)

// Observer receives lifecycle events. Notify is called synchronously from the
// emitting goroutine and must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Notify calls f(e).
func (f ObserverFunc) Notify(e Event) { f(e) }

// Sink persists or forwards batches of events.
type Sink interface {
	Write(events []Event) error
	Close() error
}

// Bus fans events out to every subscribed observer. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu        sync.RWMutex
	observers map[int]Observer
	nextID    int
	logger    *zap.Logger
}

// NewBus creates an empty bus. A nil logger disables logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		observers: make(map[int]Observer),
		logger:    logger.Named("events"),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.observers[id] = o
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Attach subscribes a sink. Write errors are logged and never propagate to
// the emitter.
func (b *Bus) Attach(s Sink) (unsubscribe func()) {
	return b.Subscribe(ObserverFunc(func(e Event) {
		if err := s.Write([]Event{e}); err != nil {
			b.logger.Warn("event sink write failed",
				zap.String("kind", string(e.Kind)),
				zap.String("task_id", e.TaskID),
				zap.Error(err))
		}
	}))
}

// Notify implements Observer so buses can be chained.
func (b *Bus) Notify(e Event) { b.Publish(e) }

// Publish delivers e to every observer. Missing id and timestamp are filled in.
func (b *Bus) Publish(e Event) {
	if e.ID == "" || e.Timestamp.IsZero() {
		fresh := New(e.Kind, e.TaskID)
		if e.ID == "" {
			e.ID = fresh.ID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = fresh.Timestamp
		}
	}

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.mu.RUnlock()

	b.logger.Debug("event",
		zap.String("kind", string(e.Kind)),
		zap.String("task_id", e.TaskID),
		zap.String("todo_id", e.TodoID))

	for _, o := range observers {
		o.Notify(e)
	}
}

// Recorder is an observer that keeps every event in memory. It is useful for
// CLI summaries and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records e.
func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// FilterByKind filters events by kind.
func FilterByKind(events []Event, kinds ...Kind) []Event {
	if len(kinds) == 0 {
		return events
	}

	kindSet := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var filtered []Event
	for _, e := range events {
		if kindSet[e.Kind] {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// FilterByTask filters events by task id.
func FilterByTask(events []Event, taskID string) []Event {
	var filtered []Event
	for _, e := range events {
		if e.TaskID == taskID {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
