package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mattjoyce/mcpd/internal/advisor"
	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/breaker"
	"github.com/mattjoyce/mcpd/internal/config"
	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/events"
	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/metrics"
	"github.com/mattjoyce/mcpd/internal/plugin"
	"github.com/mattjoyce/mcpd/internal/ratelimit"
	"github.com/mattjoyce/mcpd/internal/storage"
	"github.com/mattjoyce/mcpd/internal/task"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

// Open builds a Coordinator from configuration: it opens the task store and
// history database, loads plugins and webhook subscriptions, and recovers
// tasks left by a previous process. Call Start to begin background work.
func Open(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	var (
		c       *Coordinator
		closers []io.Closer
	)
	fail := func(err error) (*Coordinator, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	store, err := task.NewFileStore(cfg.TasksDir(), log.WithComponent("taskstore"))
	if err != nil {
		return fail(err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.DBPath())
	if err != nil {
		return fail(fmt.Errorf("open task history: %w", err))
	}
	closers = append(closers, db)

	allow := dispatch.DefaultAllowList().Merge(cfg.Commands)
	runner := dispatch.New(allow, dispatch.Options{
		WorkDir:     cfg.Service.WorkDir,
		Timeout:     cfg.Tasks.ExecTimeout,
		OutputLimit: cfg.Tasks.OutputLimit,
	})
	tasks := task.NewManager(store, task.NewSQLHistory(db), allow, task.Options{
		MaxRetries: cfg.Tasks.MaxRetries,
	})

	// The hooks below fire only after New has assigned c.
	breakers := breaker.NewSet(cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Timeout,
		breaker.WithStateHook(func(name string, to breaker.State) {
			c.OnBreakerState(name, string(to))
		}),
	)
	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests,
		ratelimit.WithBypass(cfg.RateLimit.Bypass...))
	m := metrics.New()

	plugins := plugin.NewManager(plugin.Options{
		Config:   cfg.PluginConfig,
		Disabled: cfg.PluginDisabled,
		OnError: func(name string, err error) {
			c.OnPluginError(name, err)
		},
	})

	registry, err := webhook.OpenRegistry(cfg.WebhookConfigPath(), webhook.Defaults{
		RetryCount: cfg.Webhooks.DefaultRetryCount,
		Timeout:    cfg.Webhooks.DefaultTimeout,
		RateLimit:  cfg.Webhooks.DefaultRateLimit,
	}, nil)
	if err != nil {
		return fail(err)
	}
	dlog, err := webhook.OpenDeliveryLog(cfg.DeliveryLogPath())
	if err != nil {
		return fail(err)
	}
	closers = append(closers, dlog)
	hooks := webhook.NewService(registry, dlog, webhook.Options{
		Workers:    cfg.Webhooks.Workers,
		QueueSize:  cfg.Webhooks.QueueSize,
		MaxBackoff: cfg.Webhooks.MaxBackoff,
		OnRecord: func(rec webhook.LogRecord) {
			c.OnDeliveryRecord(rec)
		},
	})

	providers := make([]advisor.Provider, 0, 2)
	if cfg.Advisor.Endpoint != "" {
		providers = append(providers, advisor.NewHTTPProvider(cfg.Advisor.Endpoint, cfg.Advisor.Timeout, breakers))
	}
	providers = append(providers, advisor.NewHeuristicProvider())

	c, err = New(Deps{
		Config:    cfg,
		Tasks:     tasks,
		Agents:    agent.NewRegistry(nil),
		Runner:    runner,
		AllowList: allow,
		Plugins:   plugins,
		Webhooks:  hooks,
		Breakers:  breakers,
		Limiter:   limiter,
		Hub:       events.NewHub(0),
		Metrics:   m,
		Advisor:   advisor.NewChain(allow, providers...),
		Closers:   closers,
	})
	if err != nil {
		return fail(err)
	}

	// Plugins load after New so their failures reach the metrics hook.
	if _, err := plugins.LoadAll(ctx, cfg.Plugins.Dir); err != nil {
		c.logger.Warn("plugin discovery failed", "dir", cfg.Plugins.Dir, "error", err)
	}
	if _, err := tasks.Recover(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("recover tasks: %w", err), c.Shutdown(context.Background()))
	}
	return c, nil
}
