// Package memory keeps results in process memory. Backends opened with the
// same URL share their store.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/clp-project/querycelery/backend"
)

func init() {
	backend.Register("memory", Open)
	backend.Register("cache+memory", Open)
}

type entry struct {
	payload []byte
	expires time.Time
}

type store struct {
	mu      sync.Mutex
	results map[string]entry
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*store)
)

// Backend is a handle on a shared in-process store.
type Backend struct {
	store *store
}

// Open returns a backend bound to the store named by uri.
func Open(_ context.Context, uri string) (backend.Backend, error) {
	name := uri[strings.Index(uri, "://")+3:]
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	if !ok {
		s = &store{results: make(map[string]entry)}
		stores[name] = s
	}
	return &Backend{store: s}, nil
}

func (b *Backend) Store(_ context.Context, taskID string, payload []byte, expires time.Duration) error {
	e := entry{payload: append([]byte(nil), payload...)}
	if expires > 0 {
		e.expires = time.Now().Add(expires)
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.results[taskID] = e
	return nil
}

func (b *Backend) Get(_ context.Context, taskID string) ([]byte, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	e, ok := b.store.results[taskID]
	if !ok {
		return nil, backend.ErrResultNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(b.store.results, taskID)
		return nil, backend.ErrResultNotFound
	}
	return e.payload, nil
}

func (b *Backend) Close() error { return nil }
