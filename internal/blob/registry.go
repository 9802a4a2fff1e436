package blob

import (
	"context"
	"fmt"
	"sync"
)

// Options carries backend construction parameters.
type Options struct {
	// Dir is where file-backed backends keep their data.
	Dir string
	// ChecksumAlgo names the digest stamped on stored payloads. Empty means
	// DefaultChecksumAlgo.
	ChecksumAlgo string
}

// Factory builds a ready-to-use Store.
type Factory func(ctx context.Context, opts Options) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a new store backend factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open builds the backend with the given name.
func Open(ctx context.Context, name string, opts Options) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown store backend: %s", name)
	}
	return factory(ctx, opts)
}

// Backends returns the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
