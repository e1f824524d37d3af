package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// ErrNoHandler is returned by Deliver when no handler is registered for an
// event's kind.
var ErrNoHandler = errors.New("no handler for kind")

// Handler processes one inbound event.
type Handler func(ctx context.Context, ev *nostr.Event) error

// Registry routes inbound events to the handler registered for their kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[int]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[int]Handler),
	}
}

// Register sets the handler for kind, replacing any previous one.
func (r *Registry) Register(kind int, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Kinds returns the registered kinds in ascending order, suitable for an
// inbox filter.
func (r *Registry) Kinds() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]int, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Ints(kinds)
	return kinds
}

// Deliver calls the handler registered for ev.Kind.
func (r *Registry) Deliver(ctx context.Context, ev *nostr.Event) error {
	r.mu.RLock()
	handler, ok := r.handlers[ev.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrNoHandler, ev.Kind)
	}
	return handler(ctx, ev)
}
