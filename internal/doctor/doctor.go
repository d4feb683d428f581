// Package doctor validates mcpd configuration beyond what Load enforces:
// filesystem references, webhook subscriptions, plugin wiring and settings
// that load fine but are probably a mistake.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/mcpd/internal/config"
	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/plugin"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Doctor validates a config against the plugin manifests found on disk.
type Doctor struct {
	cfg       *config.Config
	manifests map[string]*plugin.Manifest
	factories *plugin.Factories
}

// New creates a Doctor. manifests may be nil when plugin discovery was skipped.
func New(cfg *config.Config, manifests []*plugin.Manifest) *Doctor {
	byName := make(map[string]*plugin.Manifest, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}
	return &Doctor{cfg: cfg, manifests: byName, factories: plugin.DefaultFactories()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	d.validateService(r)
	d.validateAPI(r)
	d.validateTasks(r)
	d.validateCommands(r)
	d.validateWebhooks(r)
	d.validatePlugins(r)
	d.validateIngest(r)
	d.validateAdvisor(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if info, err := os.Stat(d.cfg.Service.WorkDir); err != nil {
		d.addError(r, "service", "service.work_dir", fmt.Sprintf("work_dir %q is not accessible: %v", d.cfg.Service.WorkDir, err))
	} else if !info.IsDir() {
		d.addError(r, "service", "service.work_dir", fmt.Sprintf("work_dir %q is not a directory", d.cfg.Service.WorkDir))
	}
	if d.cfg.Service.DataDir != "" {
		if _, err := os.Stat(d.cfg.Service.DataDir); errors.Is(err, os.ErrNotExist) {
			d.addWarning(r, "service", "service.data_dir", fmt.Sprintf("data_dir %q does not exist yet and will be created on start", d.cfg.Service.DataDir))
		}
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if d.cfg.API.Token != "" {
		return
	}
	if isLoopback(d.cfg.API.Host) {
		d.addWarning(r, "api", "api.token", "no token configured; management routes are unauthenticated")
		return
	}
	d.addWarning(r, "api", "api.token",
		fmt.Sprintf("no token configured while listening on %q; webhook and plugin management is open to the network", d.cfg.API.Host))
}

func (d *Doctor) validateTasks(r *Result) {
	t := d.cfg.Tasks
	if t.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(t.CleanupSchedule); err != nil {
			d.addError(r, "tasks", "tasks.cleanup_schedule", fmt.Sprintf("invalid schedule %q: %v", t.CleanupSchedule, err))
		}
	} else {
		d.addWarning(r, "tasks", "tasks.cleanup_schedule", "no cleanup schedule; terminal tasks are never expired")
	}
	if !t.PickerEnabled {
		d.addWarning(r, "tasks", "tasks.picker_enabled", "picker disabled; queued tasks only start through /execute_task")
	}
	if t.PickerEnabled && t.PickerInterval > 0 && t.PickerInterval < time.Second {
		d.addWarning(r, "tasks", "tasks.picker_interval", fmt.Sprintf("picker interval %s is very short (< 1s)", t.PickerInterval))
	}
	if t.MaxRetries > 10 {
		d.addWarning(r, "tasks", "tasks.max_retries", fmt.Sprintf("max_retries %d keeps failing tasks cycling for a long time", t.MaxRetries))
	}
	if !t.AutoRetry && t.MaxRetries > 0 {
		d.addWarning(r, "tasks", "tasks.auto_retry", "auto_retry is off; max_retries only bounds manual retries")
	}
}

// validateCommands checks that script-style argv templates resolve under work_dir.
func (d *Doctor) validateCommands(r *Result) {
	allow := dispatch.DefaultAllowList().Merge(d.cfg.Commands)
	missing := make(map[string][]string)
	for _, name := range allow.Names() {
		exe := allow[name][0]
		if !strings.HasPrefix(exe, "./") && !strings.HasPrefix(exe, "../") {
			continue
		}
		path := filepath.Join(d.cfg.Service.WorkDir, exe)
		if _, err := os.Stat(path); err != nil {
			missing[exe] = append(missing[exe], name)
		}
	}

	scripts := make([]string, 0, len(missing))
	for exe := range missing {
		scripts = append(scripts, exe)
	}
	sort.Strings(scripts)
	for _, exe := range scripts {
		d.addWarning(r, "commands", "commands",
			fmt.Sprintf("script %s not found under work_dir (used by %s)", exe, strings.Join(missing[exe], ", ")))
	}
}

func (d *Doctor) validateWebhooks(r *Result) {
	path := d.cfg.WebhookConfigPath()
	if path == "" {
		return
	}
	reg, err := webhook.OpenRegistry(path, webhook.Defaults{}, nil)
	if err != nil {
		d.addError(r, "webhooks", "webhooks.config_file", err.Error())
		return
	}
	for _, sub := range reg.List() {
		field := "webhooks." + sub.ID
		if sub.Secret == "" {
			d.addWarning(r, "webhooks", field, "subscription has no secret; deliveries are unsigned")
		}
		u, err := url.Parse(sub.URL)
		if err != nil {
			d.addError(r, "webhooks", field, fmt.Sprintf("invalid url %q", sub.URL))
			continue
		}
		if u.Scheme == "http" && !isLoopback(u.Hostname()) {
			d.addWarning(r, "webhooks", field, fmt.Sprintf("url %s is not https", sub.URL))
		}
	}
}

func (d *Doctor) validatePlugins(r *Result) {
	pc := d.cfg.Plugins
	if pc.Dir != "" {
		if _, err := os.Stat(pc.Dir); err != nil {
			d.addWarning(r, "plugins", "plugins.dir", fmt.Sprintf("plugin directory %q is not accessible: %v", pc.Dir, err))
		}
	}

	for _, name := range sortedKeys(pc.Config) {
		if _, ok := d.manifests[name]; !ok {
			d.addWarning(r, "plugins", "plugins.config."+name, "configuration for a plugin that was not discovered")
		}
		for _, v := range unresolvedVars(pc.Config[name]) {
			d.addError(r, "plugins", "plugins.config."+name, fmt.Sprintf("environment variable ${%s} is not set", v))
		}
	}
	for _, name := range pc.Disabled {
		if _, ok := d.manifests[name]; !ok {
			d.addWarning(r, "plugins", "plugins.disabled", fmt.Sprintf("disabled plugin %q was not discovered", name))
		}
	}

	names := make([]string, 0, len(d.manifests))
	for name := range d.manifests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := d.manifests[name]
		if m.Kind() == plugin.KindBuiltin {
			if _, ok := d.factories.Lookup(m.BuiltinName()); !ok {
				d.addError(r, "plugins", "plugins."+name,
					fmt.Sprintf("unknown builtin %q (available: %s)", m.BuiltinName(), strings.Join(d.factories.Names(), ", ")))
			}
		}
		for _, dep := range m.Dependencies {
			if _, ok := d.manifests[dep]; !ok {
				d.addError(r, "plugins", "plugins."+name, fmt.Sprintf("depends on %q which was not discovered", dep))
			}
		}
	}
}

func (d *Doctor) validateIngest(r *Result) {
	if d.cfg.Ingest.GitHubSecret != "" {
		return
	}
	if d.cfg.Ingest.AutoExec {
		d.addWarning(r, "ingest", "ingest.github_secret", "auto_exec is on without a secret; unsigned requests can start commands")
		return
	}
	d.addWarning(r, "ingest", "ingest.github_secret", "no secret; inbound GitHub deliveries are not verified")
}

func (d *Doctor) validateAdvisor(r *Result) {
	ep := d.cfg.Advisor.Endpoint
	if ep == "" {
		return
	}
	u, err := url.Parse(ep)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.addError(r, "advisor", "advisor.endpoint", fmt.Sprintf("endpoint %q must be an absolute http(s) URL", ep))
		return
	}
	if d.cfg.Advisor.Timeout <= 0 {
		d.addWarning(r, "advisor", "advisor.timeout", "no timeout; a stalled endpoint blocks /suggest until the client gives up")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func unresolvedVars(data map[string]any) []string {
	var out []string
	for _, key := range sortedKeys(data) {
		switch v := data[key].(type) {
		case string:
			for _, m := range envVarPattern.FindAllStringSubmatch(v, -1) {
				out = append(out, m[1])
			}
		case map[string]any:
			out = append(out, unresolvedVars(v)...)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
