// Package serializer converts task payloads to and from the content types
// spoken on the wire. Serializers are looked up by content type or by their
// short Celery alias ("json", "pickle", "yaml").
package serializer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Serializer converts the format
type Serializer interface {
	// ContentType is the MIME type written into message properties.
	ContentType() string
	Serialize(interface{}) ([]byte, error)
	// Deserialize decodes into out, which must be a non-nil pointer.
	Deserialize([]byte, interface{}) error
}

// ErrSerializerNotFound is returned for unknown content types and aliases.
var ErrSerializerNotFound = errors.New("serializer not found")

var (
	mu       sync.RWMutex
	registry = make(map[string]Serializer)
	aliases  = make(map[string]string)
)

// Register makes s available under its content type and the given alias.
func Register(alias string, s Serializer) {
	mu.Lock()
	defer mu.Unlock()
	registry[s.ContentType()] = s
	if alias != "" {
		aliases[alias] = s.ContentType()
	}
}

// Lookup resolves a content type or alias to a serializer.
func Lookup(name string) (Serializer, error) {
	mu.RLock()
	defer mu.RUnlock()
	name = strings.TrimSpace(strings.ToLower(name))
	if ct, ok := aliases[name]; ok {
		name = ct
	}
	if s, ok := registry[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrSerializerNotFound, name)
}

// ContentType resolves an alias to its content type. Content types pass
// through unchanged when registered.
func ContentType(name string) (string, error) {
	s, err := Lookup(name)
	if err != nil {
		return "", err
	}
	return s.ContentType(), nil
}

// Names returns every registered alias, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(aliases))
	for alias := range aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}
