package scape

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

var (
	ErrScapeExists   = errors.New("scape already registered")
	ErrScapeNotFound = errors.New("scape not found")
	ErrActionCount   = errors.New("unexpected action count")
)

// Scape is a stateful control environment driven one tick at a time.
// Observations are in roughly [0, 1]; actions are expected in [0, 1].
type Scape interface {
	Name() string
	StateSize() int
	ActionSize() int
	Reset(rng *rand.Rand)
	Observe() []float64
	Step(actions []float64) (float64, error)
}

// Episodic scapes restart themselves when an episode ends and report how many
// episodes have completed.
type Episodic interface {
	Episodes() int
}

// Factory builds a fresh scape for an evaluation mode ("" selects the
// default mode).
type Factory func(mode string) (Scape, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) error {
	name = NormalizeName(name)
	if name == "" {
		return fmt.Errorf("scape name is required")
	}
	if factory == nil {
		return fmt.Errorf("scape factory is required: %s", name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("%w: %s", ErrScapeExists, name)
	}
	registry[name] = factory
	return nil
}

func Resolve(name, mode string) (Scape, error) {
	registryMu.RLock()
	factory, ok := registry[NormalizeName(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScapeNotFound, name)
	}
	return factory(mode)
}

func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	registryMu.Lock()
	registry = map[string]Factory{}
	registryMu.Unlock()
	registerDefaults()
}

func init() {
	registerDefaults()
}

func registerDefaults() {
	_ = Register(CartPoleLiteName, func(mode string) (Scape, error) {
		return NewCartPoleLite(mode)
	})
	_ = Register(TargetTrackingName, func(mode string) (Scape, error) {
		return NewTargetTracking(mode)
	})
	_ = Register(PoleBalancingName, func(mode string) (Scape, error) {
		return NewPoleBalancing(mode)
	})
}

func checkActions(name string, actions []float64, want int) error {
	if len(actions) != want {
		return fmt.Errorf("%w: %s requires %d actions, got %d", ErrActionCount, name, want, len(actions))
	}
	return nil
}
