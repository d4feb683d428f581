package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Plugin is an in-process extension that receives lifecycle events.
type Plugin interface {
	Capabilities() []string
	Initialize(cfg map[string]any) error
	Shutdown() error
	HandleEvent(eventType string, data map[string]any) error
	Healthy() bool
}

// Factory constructs a fresh plugin instance for a manifest.
type Factory func(m *Manifest) (Plugin, error)

// Factories maps builtin entry point names to constructors.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories returns an empty factory table.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a factory. Registering the same name twice is an error.
func (f *Factories) Register(name string, factory Factory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[name]; ok {
		return fmt.Errorf("plugin factory %q already registered", name)
	}
	f.m[name] = factory
	return nil
}

// Lookup returns the factory registered under name.
func (f *Factories) Lookup(name string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.m[name]
	return factory, ok
}

// Names lists registered factories.
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultFactories registers the plugins compiled into mcpd.
func DefaultFactories() *Factories {
	f := NewFactories()
	_ = f.Register("audit", func(*Manifest) (Plugin, error) { return NewAudit(), nil })
	_ = f.Register("monitor", func(*Manifest) (Plugin, error) { return NewMonitor(), nil })
	return f
}
