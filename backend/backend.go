// Package backend stores task results. Backends register a Factory per URL
// scheme from their init function; import them for side effects.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// KeyPrefix is the Celery key prefix of stored task meta.
const KeyPrefix = "celery-task-meta-"

// ErrResultNotFound is returned by Get when no result is stored for a task.
var ErrResultNotFound = errors.New("result not found")

// ErrUnknownScheme is returned by Open for unregistered URL schemes.
var ErrUnknownScheme = errors.New("unknown result backend scheme")

// Backend persists serialized task meta keyed by task id.
type Backend interface {
	// Store saves payload for taskID. A positive expires bounds its lifetime.
	Store(ctx context.Context, taskID string, payload []byte, expires time.Duration) error
	Get(ctx context.Context, taskID string) ([]byte, error)
	Close() error
}

// Factory opens a backend for the given URL.
type Factory func(ctx context.Context, uri string) (Backend, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register a backend based on its scheme
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[scheme] = f
}

// Scheme returns the lower-cased scheme of uri.
func Scheme(uri string) string {
	return strings.ToLower(strings.SplitN(uri, "://", 2)[0])
}

// Registered reports whether a factory exists for the URL's scheme.
func Registered(uri string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[Scheme(uri)]
	return ok
}

// Open creates a backend based on the uri.
func Open(ctx context.Context, uri string) (Backend, error) {
	mu.RLock()
	f, ok := registry[Scheme(uri)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w [%s]", ErrUnknownScheme, Scheme(uri))
	}
	return f(ctx, uri)
}
