package backend

import (
	"fmt"
	"sync"
)

var (
	registryMu sync.Mutex
	registry   = map[string]Backend{}
)

// Register makes a backend available under its type name. Registering two
// backends for the same type is a programming error.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := b.TypeName()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("storage backend %q registered twice", name))
	}
	registry[name] = b
}

// ForType returns the backend serving the given pool type.
func ForType(typeName string) (Backend, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	b, ok := registry[typeName]
	if !ok {
		return nil, fmt.Errorf("no storage backend for pool type %q: %w", typeName, ErrNotSupported)
	}
	return b, nil
}
