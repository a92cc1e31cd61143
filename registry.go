package querycelery

import (
	"context"
	"sort"
	"sync"
)

// Handler is the definition of task execution
type Handler interface {
	Execute(ctx context.Context, task *Task) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, task *Task) (interface{}, error) {
	return f(ctx, task)
}

// ExceptionTyper lets a handler error name the exception type stored in
// its failure result. Other errors are reported as "TaskError".
type ExceptionTyper interface {
	ExceptionType() string
}

type registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string]Handler)}
}

func (r *registry) register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
