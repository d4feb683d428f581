package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc resolves environment variables. os.LookupEnv in production.
type LookupFunc func(key string) (string, bool)

// Load reads configuration from path, applies environment overrides and validates.
// An empty path runs on Defaults plus environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

// Parse reads path and applies environment overrides without validating,
// so tools can report every problem instead of the first.
func Parse(path string) (*Config, error) {
	return parse(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	cfg, err := parse(path, lookup)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parse(path string, lookup LookupFunc) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		expanded := interpolateEnv(string(data), lookup)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
		}
		cfg.SourcePath = absPath
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string, lookup LookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := lookup(varName); exists {
			return value
		}
		return match
	})
}

// applyEnv applies the documented environment overrides on top of file values.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, apply func(int)) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: expected integer, got %q", key, v)
		}
		apply(n)
		return nil
	}

	str("MCP_HOST", &cfg.API.Host)
	str("MCP_API_TOKEN", &cfg.API.Token)
	str("MCP_LOG_LEVEL", &cfg.Service.LogLevel)
	str("MCP_DATA_DIR", &cfg.Service.DataDir)
	str("GITHUB_WEBHOOK_SECRET", &cfg.Ingest.GitHubSecret)
	str("AI_BACKEND_URL", &cfg.Advisor.Endpoint)

	overrides := []struct {
		key   string
		apply func(int)
	}{
		{"MCP_PORT", func(n int) { cfg.API.Port = n }},
		{"RATE_LIMIT_WINDOW_SEC", func(n int) { cfg.RateLimit.Window = time.Duration(n) * time.Second }},
		{"RATE_LIMIT_MAX_REQS", func(n int) { cfg.RateLimit.MaxRequests = n }},
		{"CIRCUIT_BREAKER_THRESHOLD", func(n int) { cfg.CircuitBreaker.Threshold = n }},
		{"CIRCUIT_BREAKER_TIMEOUT_SEC", func(n int) { cfg.CircuitBreaker.Timeout = time.Duration(n) * time.Second }},
		{"TASK_TTL_DAYS", func(n int) { cfg.Tasks.TTL = time.Duration(n) * 24 * time.Hour }},
		{"CLEANUP_INTERVAL_MIN", func(n int) { cfg.Tasks.CleanupSchedule = fmt.Sprintf("@every %dm", n) }},
	}
	for _, o := range overrides {
		if err := num(o.key, o.apply); err != nil {
			return err
		}
	}

	if v, ok := lookup("RATE_LIMIT_WHITELIST"); ok && v != "" {
		cfg.RateLimit.Bypass = splitList(v)
	}
	if v, ok := lookup("GITHUB_WEBHOOK_AUTO_EXEC"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("GITHUB_WEBHOOK_AUTO_EXEC: expected boolean, got %q", v)
		}
		cfg.Ingest.AutoExec = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.DataDir == "" {
		return fmt.Errorf("service.data_dir is required")
	}

	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535 (got %d)", cfg.API.Port)
	}
	if envVarPattern.MatchString(cfg.API.Token) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
		return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
	}

	if cfg.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative")
	}
	if cfg.Tasks.ExecTimeout <= 0 {
		return fmt.Errorf("tasks.exec_timeout must be positive")
	}
	if cfg.Tasks.OutputLimit <= 0 {
		return fmt.Errorf("tasks.output_limit must be positive")
	}
	if cfg.Tasks.TTL <= 0 {
		return fmt.Errorf("tasks.ttl must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Tasks.CleanupSchedule); err != nil {
		return fmt.Errorf("tasks.cleanup_schedule %q: %w", cfg.Tasks.CleanupSchedule, err)
	}
	if cfg.Tasks.PickerEnabled && cfg.Tasks.PickerInterval <= 0 {
		return fmt.Errorf("tasks.picker_interval must be positive when the picker is enabled")
	}
	if cfg.Tasks.MaxConcurrent <= 0 {
		return fmt.Errorf("tasks.max_concurrent must be positive")
	}

	for name, argv := range cfg.Commands {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("commands: empty command name")
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return fmt.Errorf("commands.%s: argv template must name an executable", name)
		}
	}

	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}

	if cfg.CircuitBreaker.Threshold <= 0 {
		return fmt.Errorf("circuit_breaker.threshold must be positive")
	}
	if cfg.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit_breaker.timeout must be positive")
	}

	if cfg.Webhooks.Workers <= 0 {
		return fmt.Errorf("webhooks.workers must be positive")
	}
	if cfg.Webhooks.QueueSize <= 0 {
		return fmt.Errorf("webhooks.queue_size must be positive")
	}
	if cfg.Webhooks.DefaultRetryCount < 0 {
		return fmt.Errorf("webhooks.default_retry_count must not be negative")
	}
	if cfg.Webhooks.DefaultRateLimit <= 0 {
		return fmt.Errorf("webhooks.default_rate_limit must be positive")
	}
	if cfg.Webhooks.ConfigFile == "" || cfg.Webhooks.DeliveryLog == "" {
		return fmt.Errorf("webhooks.config_file and webhooks.delivery_log are required")
	}

	for name, pc := range cfg.Plugins.Config {
		if err := checkUnresolvedEnvVars(pc, name); err != nil {
			return err
		}
	}
	return nil
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in plugin config values.
func checkUnresolvedEnvVars(data map[string]any, pluginName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				if len(matches) > 1 {
					return fmt.Errorf("plugin %q: environment variable ${%s} is not set", pluginName, matches[1])
				}
				return fmt.Errorf("plugin %q: unresolved environment variable in config.%s", pluginName, key)
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, pluginName); err != nil {
				return err
			}
		}
	}
	return nil
}
