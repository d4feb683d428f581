package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Discover scans the immediate subdirectories of pluginsDir for manifest.yaml
// files and returns the valid manifests in dependency order. Invalid
// manifests are logged and skipped. A missing pluginsDir is an error that
// satisfies errors.Is(err, fs.ErrNotExist).
func Discover(pluginsDir string, logger *slog.Logger) ([]*Manifest, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	absRoot, err := filepath.Abs(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin dir %q: %w", pluginsDir, err)
	}
	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin dir %s: %w", absRoot, err)
	}

	byName := make(map[string]*Manifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginPath := filepath.Join(absRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginPath, manifestFilename)); err != nil {
			continue
		}

		m, err := loadManifest(pluginPath, absRoot)
		if err != nil {
			logger.Warn("failed to load plugin manifest", "path", pluginPath, "error", err)
			continue
		}
		if existing, ok := byName[m.Name]; ok {
			logger.Warn("duplicate plugin ignored (keeping first discovered)",
				"plugin", m.Name, "ignored_path", m.Dir, "kept_path", existing.Dir)
			continue
		}
		byName[m.Name] = m
		logger.Debug("discovered plugin", "plugin", m.Name, "version", m.Version, "entry_point", m.EntryPoint)
	}

	return dependencyOrder(byName), nil
}

// loadManifest reads and validates a single plugin directory.
func loadManifest(pluginPath, pluginsDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	m.Dir = pluginPath

	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if m.Kind() == KindExec {
		entry := filepath.Join(pluginPath, m.EntryPoint)
		if err := validateTrust(entry, pluginPath, pluginsDir); err != nil {
			return nil, fmt.Errorf("trust validation failed: %w", err)
		}
		m.EntryPoint = entry
	}
	return &m, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	m.Name = strings.TrimSpace(m.Name)
	m.EntryPoint = strings.TrimSpace(m.EntryPoint)

	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("entry_point is required")
	}
	if strings.Contains(m.EntryPoint, "..") {
		return fmt.Errorf("entry_point contains path traversal: %s", m.EntryPoint)
	}
	if m.Kind() == KindBuiltin && m.BuiltinName() == "" {
		return fmt.Errorf("entry_point %q names no builtin", m.EntryPoint)
	}
	if m.Kind() == KindExec && filepath.IsAbs(m.EntryPoint) {
		return fmt.Errorf("entry_point must be relative to the plugin directory: %s", m.EntryPoint)
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("empty dependency name")
		}
		if dep == m.Name {
			return fmt.Errorf("plugin depends on itself")
		}
	}
	return nil
}

// validateTrust enforces that an executable entry point lives inside its
// plugin directory, under the plugins root, is executable, and that the
// plugin directory is not world-writable.
func validateTrust(entrypointPath, pluginPath, pluginsDir string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(pluginsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin root symlink %s: %w", pluginsDir, err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin root %s", resolvedEntrypoint, resolvedRoot)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+sep) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}
	return nil
}

// dependencyOrder sorts manifests so every plugin follows the plugins it
// depends on; ties break by name. Dependencies on unknown names do not hold a
// plugin back (the manager skips it later). Members of a cycle are appended
// last, by name.
func dependencyOrder(byName map[string]*Manifest) []*Manifest {
	indegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string)
	for name, m := range byName {
		indegree[name] += 0
		for _, dep := range m.Dependencies {
			if _, known := byName[dep]; !known {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	out := make([]*Manifest, 0, len(byName))
	placed := make(map[string]bool, len(byName))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, byName[name])
		placed[name] = true

		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		sort.Strings(ready)
	}

	if len(out) < len(byName) {
		var rest []string
		for name := range byName {
			if !placed[name] {
				rest = append(rest, name)
			}
		}
		sort.Strings(rest)
		for _, name := range rest {
			out = append(out, byName[name])
		}
	}
	return out
}
