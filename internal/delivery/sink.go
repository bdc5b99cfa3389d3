package delivery

import (
	"context"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-fleet/internal/event"
)

// Sink is a downstream delivery target.
//
// Deliver returns nil to acknowledge, a FatalError for failures that will
// never succeed, and any other error for transient failures.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev event.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev event.Event) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Deliver(ctx context.Context, ev event.Event) error { return s.Fn(ctx, ev) }

// Registry maps sink names to sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register adds or replaces a sink under its name.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	r.sinks[s.Name()] = s
	r.mu.Unlock()
}

// Get returns the named sink.
func (r *Registry) Get(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names lists registered sinks in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sinks))
	for n := range r.sinks {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
