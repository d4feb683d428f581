package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/log"
)

// ErrNotFound is returned for unknown plugin names.
var ErrNotFound = errs.New(errs.NotFound, "plugin not found")

// Options configures a Manager.
type Options struct {
	Factories *Factories
	// Config returns the configuration handed to Initialize.
	Config func(name string) map[string]any
	// Disabled reports plugins that load but start disabled.
	Disabled func(name string) bool
	// ExecTimeout bounds each call into an executable plugin.
	ExecTimeout time.Duration
	// OnError observes plugin failures during event delivery.
	OnError func(name string, err error)
	Now     func() time.Time
}

type entry struct {
	manifest *Manifest
	plugin   Plugin
	desc     Descriptor
	closed   bool
}

// Manager owns the plugin registry. One mutex guards the registry; plugin
// calls are made outside it.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Factories == nil {
		opts.Factories = DefaultFactories()
	}
	if opts.Config == nil {
		opts.Config = func(string) map[string]any { return nil }
	}
	if opts.Disabled == nil {
		opts.Disabled = func(string) bool { return false }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:    opts,
		logger:  log.WithComponent("plugins"),
		entries: make(map[string]*entry),
	}
}

// LoadAll discovers plugins under dir and loads them in dependency order.
// Failures are isolated per plugin. A missing dir loads nothing.
func (m *Manager) LoadAll(ctx context.Context, dir string) (int, error) {
	manifests, err := Discover(dir, m.logger)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Info("plugin directory not found, no plugins loaded", "dir", dir)
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, man := range manifests {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		desc, err := m.Load(man)
		if err != nil {
			m.logger.Warn("plugin skipped", "plugin", man.Name, "error", err)
			continue
		}
		if desc.Health != HealthFailed {
			loaded++
		}
	}
	m.logger.Info("plugins loaded", "discovered", len(manifests), "active", loaded)
	return loaded, nil
}

// Load instantiates and initializes one plugin. An unresolved dependency or a
// duplicate name returns an error and registers nothing. Construction,
// config or Initialize failures register the plugin with health failed.
func (m *Manager) Load(man *Manifest) (Descriptor, error) {
	m.mu.Lock()
	if _, exists := m.entries[man.Name]; exists {
		m.mu.Unlock()
		return Descriptor{}, fmt.Errorf("plugin %q already loaded", man.Name)
	}
	for _, dep := range man.Dependencies {
		d, ok := m.entries[dep]
		if !ok || d.desc.Health == HealthFailed {
			m.mu.Unlock()
			return Descriptor{}, fmt.Errorf("unresolved dependency %q", dep)
		}
	}
	m.mu.Unlock()

	logger := log.WithPlugin(man.Name)
	e := &entry{
		manifest: man,
		desc: Descriptor{
			Name:         man.Name,
			Version:      man.Version,
			Description:  man.Description,
			EntryPoint:   man.EntryPoint,
			Kind:         man.Kind(),
			Capabilities: append([]string(nil), man.Capabilities...),
			Dependencies: append([]string(nil), man.Dependencies...),
			ConfigSchema: man.ConfigSchema,
			Enabled:      !m.opts.Disabled(man.Name),
			Health:       HealthUnknown,
		},
	}

	cfg := m.opts.Config(man.Name)
	if err := m.start(e, cfg); err != nil {
		e.desc.Health = HealthFailed
		e.desc.Error = err.Error()
		logger.Error("plugin failed to initialize", "error", err)
	} else {
		now := m.opts.Now().UTC()
		e.desc.LoadedAt = &now
		e.desc.Health = HealthHealthy
		if !safeHealthy(e.plugin) {
			e.desc.Health = HealthUnhealthy
		}
		if caps := safeCapabilities(e.plugin); len(caps) > 0 {
			e.desc.Capabilities = caps
		}
		logger.Info("plugin loaded", "version", man.Version, "kind", e.desc.Kind, "health", e.desc.Health)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[man.Name]; exists {
		return Descriptor{}, fmt.Errorf("plugin %q already loaded", man.Name)
	}
	m.entries[man.Name] = e
	m.order = append(m.order, man.Name)
	return e.desc, nil
}

func (m *Manager) start(e *entry, cfg map[string]any) error {
	if err := validateConfig(e.manifest, cfg); err != nil {
		return err
	}

	switch e.manifest.Kind() {
	case KindBuiltin:
		factory, ok := m.opts.Factories.Lookup(e.manifest.BuiltinName())
		if !ok {
			return fmt.Errorf("no builtin plugin named %q", e.manifest.BuiltinName())
		}
		p, err := factory(e.manifest)
		if err != nil {
			return fmt.Errorf("construct: %w", err)
		}
		e.plugin = p
	default:
		e.plugin = NewExecPlugin(e.manifest, m.opts.ExecTimeout)
	}

	return guard(func() error { return e.plugin.Initialize(cfg) })
}

// Emit delivers an event to every enabled plugin whose health is healthy or
// unhealthy, synchronously and in load order. A failing plugin is logged and
// does not stop delivery to the rest. It returns the number of plugins that
// handled the event without error.
func (m *Manager) Emit(eventType string, data map[string]any) int {
	targets := m.snapshot(func(e *entry) bool {
		return e.desc.Enabled && !e.closed && e.desc.Health.receivesEvents()
	})

	ok := 0
	for _, e := range targets {
		err := guard(func() error { return e.plugin.HandleEvent(eventType, maps.Clone(data)) })
		if err != nil {
			m.logger.Warn("plugin event handler failed", "plugin", e.desc.Name, "event", eventType, "error", err)
			if m.opts.OnError != nil {
				m.opts.OnError(e.desc.Name, err)
			}
			continue
		}
		ok++
	}
	return ok
}

// Shutdown calls Shutdown on every instantiated plugin in reverse load order.
func (m *Manager) Shutdown() error {
	targets := m.snapshot(func(e *entry) bool { return e.plugin != nil && !e.closed })

	var errList []error
	for i := len(targets) - 1; i >= 0; i-- {
		e := targets[i]
		if err := guard(e.plugin.Shutdown); err != nil {
			m.logger.Warn("plugin shutdown failed", "plugin", e.desc.Name, "error", err)
			errList = append(errList, fmt.Errorf("%s: %w", e.desc.Name, err))
		}
		m.mu.Lock()
		e.closed = true
		m.mu.Unlock()
	}
	return errors.Join(errList...)
}

// Enable resumes event delivery to a plugin.
func (m *Manager) Enable(name string) (Descriptor, error) { return m.setEnabled(name, true) }

// Disable stops event delivery to a plugin without shutting it down.
func (m *Manager) Disable(name string) (Descriptor, error) { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	e.desc.Enabled = enabled
	return e.desc, nil
}

// Unload shuts a plugin down and removes it from the registry.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	closed := e.closed
	m.mu.Unlock()

	if e.plugin == nil || closed {
		return nil
	}
	return guard(e.plugin.Shutdown)
}

// Get returns the descriptor for name.
func (m *Manager) Get(name string) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return e.desc, nil
}

// Plugin returns the live instance for name.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.plugin == nil {
		return nil, false
	}
	return e.plugin, true
}

// List returns descriptors in load order.
func (m *Manager) List() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.entries[name].desc)
	}
	return out
}

// Capabilities maps each advertised capability to the plugins offering it.
func (m *Manager) Capabilities() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for _, name := range m.order {
		for _, c := range m.entries[name].desc.Capabilities {
			out[c] = append(out[c], name)
		}
	}
	for c := range out {
		sort.Strings(out[c])
	}
	return out
}

// Health returns the cached health of every plugin.
func (m *Manager) Health() map[string]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Health, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.desc.Health
	}
	return out
}

// CheckHealth re-polls Healthy on every plugin that initialized and updates
// the cached health.
func (m *Manager) CheckHealth() map[string]Health {
	targets := m.snapshot(func(e *entry) bool {
		return !e.closed && e.desc.Health != HealthFailed && e.plugin != nil
	})
	for _, e := range targets {
		h := HealthHealthy
		if !safeHealthy(e.plugin) {
			h = HealthUnhealthy
		}
		m.mu.Lock()
		e.desc.Health = h
		m.mu.Unlock()
	}
	return m.Health()
}

func (m *Manager) snapshot(keep func(*entry) bool) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.order))
	for _, name := range m.order {
		if e := m.entries[name]; keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func safeHealthy(p Plugin) (healthy bool) {
	defer func() {
		if recover() != nil {
			healthy = false
		}
	}()
	return p.Healthy()
}

func safeCapabilities(p Plugin) (caps []string) {
	defer func() {
		if recover() != nil {
			caps = nil
		}
	}()
	return p.Capabilities()
}
