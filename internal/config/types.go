package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents the complete mcpd configuration.
type Config struct {
	Service        ServiceConfig        `yaml:"service"`
	API            APIConfig            `yaml:"api"`
	Tasks          TasksConfig          `yaml:"tasks"`
	Commands       map[string][]string  `yaml:"commands,omitempty"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	Plugins        PluginsConfig        `yaml:"plugins"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Advisor        AdvisorConfig        `yaml:"advisor"`

	// SourcePath is the file the config was loaded from, empty when running on defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DataDir   string `yaml:"data_dir"`
	// WorkDir is the working directory for dispatched commands.
	WorkDir string `yaml:"work_dir"`
}

// APIConfig defines HTTP server settings.
type APIConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Token        string `yaml:"token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// TasksConfig defines task lifecycle and execution settings.
type TasksConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	AutoRetry       bool          `yaml:"auto_retry"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	OutputLimit     int           `yaml:"output_limit"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	PickerEnabled   bool          `yaml:"picker_enabled"`
	PickerInterval  time.Duration `yaml:"picker_interval"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

// RateLimitConfig defines the inbound request limiter.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	Bypass      []string      `yaml:"bypass,omitempty"`
}

// CircuitBreakerConfig defines circuit breaker settings for external dependencies.
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WebhooksConfig defines outbound webhook delivery settings.
type WebhooksConfig struct {
	ConfigFile        string        `yaml:"config_file"`
	DeliveryLog       string        `yaml:"delivery_log"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	DefaultRetryCount int           `yaml:"default_retry_count"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
	DefaultRateLimit  int           `yaml:"default_rate_limit"`
}

// PluginsConfig defines plugin discovery and per-plugin configuration.
type PluginsConfig struct {
	Dir      string                    `yaml:"dir"`
	Config   map[string]map[string]any `yaml:"config,omitempty"`
	Disabled []string                  `yaml:"disabled,omitempty"`
}

// IngestConfig defines the inbound signed receivers.
type IngestConfig struct {
	GitHubSecret string        `yaml:"github_secret"`
	AutoExec     bool          `yaml:"auto_exec"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// AdvisorConfig defines the command suggestion backend.
type AdvisorConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Defaults returns a Config usable without any file.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "mcpd",
			LogLevel:  "info",
			LogFormat: "json",
			DataDir:   "./data",
			WorkDir:   ".",
		},
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         5005,
			MaxBodyBytes: 1 << 20,
		},
		Tasks: TasksConfig{
			MaxRetries:      3,
			AutoRetry:       true,
			ExecTimeout:     30 * time.Minute,
			OutputLimit:     8000,
			TTL:             7 * 24 * time.Hour,
			CleanupSchedule: "@every 60m",
			PickerEnabled:   true,
			PickerInterval:  5 * time.Second,
			MaxConcurrent:   4,
		},
		Commands: make(map[string][]string),
		RateLimit: RateLimitConfig{
			Window:      60 * time.Second,
			MaxRequests: 100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Timeout:   60 * time.Second,
		},
		Webhooks: WebhooksConfig{
			ConfigFile:        "webhooks.json",
			DeliveryLog:       "webhook_deliveries.jsonl",
			Workers:           4,
			QueueSize:         1024,
			MaxBackoff:        5 * time.Minute,
			DefaultRetryCount: 3,
			DefaultTimeout:    30 * time.Second,
			DefaultRateLimit:  100,
		},
		Plugins: PluginsConfig{
			Dir:    "./plugins",
			Config: make(map[string]map[string]any),
		},
		Ingest: IngestConfig{
			DedupeWindow: 10 * time.Minute,
		},
		Advisor: AdvisorConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// TasksDir is where one JSON file per task is kept.
func (c *Config) TasksDir() string { return filepath.Join(c.Service.DataDir, "tasks") }

// DBPath is the sqlite database holding task history and the dead-letter set.
func (c *Config) DBPath() string { return filepath.Join(c.Service.DataDir, "mcpd.db") }

// PIDPath is the single-instance lock file.
func (c *Config) PIDPath() string { return filepath.Join(c.Service.DataDir, "mcpd.pid") }

// WebhookConfigPath resolves webhooks.config_file against the data dir.
func (c *Config) WebhookConfigPath() string { return c.dataPath(c.Webhooks.ConfigFile) }

// DeliveryLogPath resolves webhooks.delivery_log against the data dir.
func (c *Config) DeliveryLogPath() string { return c.dataPath(c.Webhooks.DeliveryLog) }

func (c *Config) dataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Service.DataDir, p)
}

// PluginConfig returns the configuration block for a plugin, never nil.
func (c *Config) PluginConfig(name string) map[string]any {
	if cfg, ok := c.Plugins.Config[name]; ok && cfg != nil {
		return cfg
	}
	return map[string]any{}
}

// PluginDisabled reports whether a plugin is listed under plugins.disabled.
func (c *Config) PluginDisabled(name string) bool {
	for _, n := range c.Plugins.Disabled {
		if n == name {
			return true
		}
	}
	return false
}
