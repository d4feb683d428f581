package plugin

import (
	"strings"
	"time"
)

// BuiltinPrefix marks an entry point served by a compiled-in factory.
const BuiltinPrefix = "builtin:"

// Health is the last known state of a loaded plugin.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthFailed    Health = "failed"
)

// receivesEvents reports whether a plugin in this health state gets HandleEvent calls.
func (h Health) receivesEvents() bool {
	return h == HealthHealthy || h == HealthUnhealthy
}

// Kind says how a plugin's code is provided.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindExec    Kind = "exec"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name         string         `yaml:"name"`
	Version      string         `yaml:"version"`
	Description  string         `yaml:"description,omitempty"`
	EntryPoint   string         `yaml:"entry_point"`
	Capabilities []string       `yaml:"capabilities,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	ConfigSchema map[string]any `yaml:"config_schema,omitempty"`

	// Dir is the absolute plugin directory the manifest was read from.
	Dir string `yaml:"-"`
}

// Kind derives the plugin kind from the entry point.
func (m *Manifest) Kind() Kind {
	if strings.HasPrefix(m.EntryPoint, BuiltinPrefix) {
		return KindBuiltin
	}
	return KindExec
}

// BuiltinName returns the factory name for builtin entry points.
func (m *Manifest) BuiltinName() string {
	return strings.TrimPrefix(m.EntryPoint, BuiltinPrefix)
}

// Descriptor is the externally visible record of one plugin.
type Descriptor struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	EntryPoint   string         `json:"entry_point"`
	Kind         Kind           `json:"kind"`
	Capabilities []string       `json:"capabilities"`
	Dependencies []string       `json:"dependencies"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
	Enabled      bool           `json:"enabled"`
	Health       Health         `json:"health"`
	Error        string         `json:"error,omitempty"`
	LoadedAt     *time.Time     `json:"loaded_at,omitempty"`
}

// HasCapability reports whether the plugin advertises capability.
func (d *Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
