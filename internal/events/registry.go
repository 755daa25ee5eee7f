package events

import (
	"context"
	"sort"
	"sync"

	"eventrelay/internal/types"
)

// HandlerFunc performs the side effects of one event and returns the
// notifications to forward once the event is marked processed. Handlers must
// be safe to run more than once for the same event.
type HandlerFunc func(ctx context.Context, evt *types.Event) ([]types.Notification, error)

type route struct {
	source    string
	eventType string
}

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// Registry maps (source, event type) to an ordered list of handlers. It is
// populated at startup and read concurrently afterwards.
type Registry struct {
	mu     sync.RWMutex
	routes map[route][]namedHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[route][]namedHandler)}
}

// Register appends a handler for (source, eventType). Handlers for the same
// route run in registration order.
func (r *Registry) Register(source, eventType, name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := route{source: source, eventType: eventType}
	r.routes[key] = append(r.routes[key], namedHandler{name: name, fn: fn})
}

func (r *Registry) handlers(source, eventType string) []namedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.routes[route{source: source, eventType: eventType}]
	out := make([]namedHandler, len(hs))
	copy(out, hs)
	return out
}

// Routes lists every registered "source/type" pair, sorted.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k.source+"/"+k.eventType)
	}
	sort.Strings(out)
	return out
}
