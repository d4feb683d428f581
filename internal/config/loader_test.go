package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  data_dir: /var/lib/mcpd
api:
  port: 6000
tasks:
  exec_timeout: 10m
commands:
  lint: ["golangci-lint", "run"]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/var/lib/mcpd", cfg.Service.DataDir)
				assert.Equal(t, 6000, cfg.API.Port)
				assert.Equal(t, "127.0.0.1", cfg.API.Host)
				assert.Equal(t, 10*time.Minute, cfg.Tasks.ExecTimeout)
				assert.Equal(t, []string{"golangci-lint", "run"}, cfg.Commands["lint"])
				// untouched sections keep defaults
				assert.Equal(t, 3, cfg.Tasks.MaxRetries)
				assert.True(t, cfg.Tasks.AutoRetry)
				assert.Equal(t, 8000, cfg.Tasks.OutputLimit)
				assert.Equal(t, "/var/lib/mcpd/tasks", cfg.TasksDir())
			},
		},
		{
			name: "env var interpolation",
			yaml: `
api:
  token: ${TOKEN}
plugins:
  config:
    audit:
      path: ${AUDIT_PATH}
`,
			env: map[string]string{"TOKEN": "s3cret", "AUDIT_PATH": "/tmp/audit.jsonl"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.API.Token)
				assert.Equal(t, "/tmp/audit.jsonl", cfg.PluginConfig("audit")["path"])
			},
		},
		{
			name:    "unresolved plugin env var",
			yaml:    "plugins:\n  config:\n    audit:\n      path: ${MISSING}\n",
			wantErr: true,
		},
		{
			name:    "unresolved token env var",
			yaml:    "api:\n  token: ${MISSING_TOKEN}\n",
			wantErr: true,
		},
		{
			name:    "empty argv template",
			yaml:    "commands:\n  broken: []\n",
			wantErr: true,
		},
		{
			name:    "bad cleanup schedule",
			yaml:    "tasks:\n  cleanup_schedule: not-a-cron\n",
			wantErr: true,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			cfg, err := load(path, envMap(tt.env))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5005", cfg.API.Addr())
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 7*24*time.Hour, cfg.Tasks.TTL)
	assert.Equal(t, "", cfg.SourcePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	env := map[string]string{
		"MCP_HOST":                    "0.0.0.0",
		"MCP_PORT":                    "7000",
		"RATE_LIMIT_WINDOW_SEC":       "30",
		"RATE_LIMIT_MAX_REQS":         "2",
		"RATE_LIMIT_WHITELIST":        "ci-runner, 10.0.0.1 ,",
		"CIRCUIT_BREAKER_THRESHOLD":   "3",
		"CIRCUIT_BREAKER_TIMEOUT_SEC": "15",
		"TASK_TTL_DAYS":               "2",
		"CLEANUP_INTERVAL_MIN":        "5",
		"GITHUB_WEBHOOK_SECRET":       "gh",
		"GITHUB_WEBHOOK_AUTO_EXEC":    "true",
	}
	cfg, err := load("", envMap(env))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.API.Addr())
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 2, cfg.RateLimit.MaxRequests)
	assert.Equal(t, []string{"ci-runner", "10.0.0.1"}, cfg.RateLimit.Bypass)
	assert.Equal(t, 3, cfg.CircuitBreaker.Threshold)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, 48*time.Hour, cfg.Tasks.TTL)
	assert.Equal(t, "@every 5m", cfg.Tasks.CleanupSchedule)
	assert.Equal(t, "gh", cfg.Ingest.GitHubSecret)
	assert.True(t, cfg.Ingest.AutoExec)
}

func TestEnvironmentOverrideRejectsGarbage(t *testing.T) {
	_, err := load("", envMap(map[string]string{"MCP_PORT": "fifty"}))
	assert.Error(t, err)

	_, err = load("", envMap(map[string]string{"GITHUB_WEBHOOK_AUTO_EXEC": "maybe"}))
	assert.Error(t, err)

	_, err = load("", envMap(map[string]string{"RATE_LIMIT_MAX_REQS": "0"}))
	assert.Error(t, err)
}

func TestDataPaths(t *testing.T) {
	cfg := Defaults()
	cfg.Service.DataDir = "/data"
	cfg.Webhooks.DeliveryLog = "/var/log/deliveries.jsonl"

	assert.Equal(t, "/data/webhooks.json", cfg.WebhookConfigPath())
	assert.Equal(t, "/var/log/deliveries.jsonl", cfg.DeliveryLogPath())
	assert.Equal(t, "/data/mcpd.db", cfg.DBPath())
	assert.Equal(t, "/data/mcpd.pid", cfg.PIDPath())
}

func TestPluginDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Plugins.Disabled = []string{"noisy"}

	assert.True(t, cfg.PluginDisabled("noisy"))
	assert.False(t, cfg.PluginDisabled("audit"))
	assert.NotNil(t, cfg.PluginConfig("unknown"))
}
