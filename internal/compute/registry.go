package compute

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultBackendName = "cpu"
	SerialBackendName  = "serial"
)

// BackendFactory builds a substrate for the requested worker count.
type BackendFactory func(workers int) Substrate

var backendRegistry = struct {
	mu sync.RWMutex
	m  map[string]BackendFactory
}{
	m: make(map[string]BackendFactory),
}

func RegisterBackend(name string, factory BackendFactory) error {
	if name == "" {
		return errors.New("backend name is required")
	}
	if factory == nil {
		return errors.New("backend factory is required")
	}

	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	if _, exists := backendRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrBackendExists, name)
	}
	backendRegistry.m[name] = factory
	return nil
}

func ResolveBackend(name string, workers int) (Substrate, error) {
	if name == "" {
		name = DefaultBackendName
	}
	backendRegistry.mu.RLock()
	factory, ok := backendRegistry.m[name]
	backendRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return factory(workers), nil
}

func ListBackends() []string {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	names := make([]string, 0, len(backendRegistry.m))
	for name := range backendRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	backendRegistry.mu.Lock()
	backendRegistry.m = make(map[string]BackendFactory)
	backendRegistry.mu.Unlock()

	initializeDefaultBackends()
}

func init() {
	initializeDefaultBackends()
}

func initializeDefaultBackends() {
	if err := RegisterBackend(DefaultBackendName, func(workers int) Substrate { return NewCPU(workers) }); err != nil {
		panic(fmt.Errorf("register cpu backend: %w", err))
	}
	if err := RegisterBackend(SerialBackendName, func(int) Substrate { return NewCPU(1) }); err != nil {
		panic(fmt.Errorf("register serial backend: %w", err))
	}
}
