// Package coordinator owns every registry of a running mcpd and wires them
// together: tasks flow from submission through the dispatcher, and each
// lifecycle change fans out to plugins, webhooks, the event hub and metrics.
//
// There is no package-level state. One Coordinator is built at startup and
// handed to the HTTP layer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

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
	"github.com/mattjoyce/mcpd/internal/task"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks github.com/mattjoyce/mcpd/internal/coordinator Runner,EventSink

// Runner executes one task attempt. *dispatch.Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, req dispatch.Request) dispatch.Result
}

// EventSink receives lifecycle events. Both *plugin.Manager and
// *webhook.Service implement it.
type EventSink interface {
	Emit(eventType string, data map[string]any) int
}

// Deps are the collaborators of a Coordinator. Tasks, Agents, Runner and
// AllowList are required.
type Deps struct {
	Config    *config.Config
	Tasks     *task.Manager
	Agents    *agent.Registry
	Runner    Runner
	AllowList dispatch.AllowList
	Plugins   *plugin.Manager
	Webhooks  *webhook.Service
	Breakers  *breaker.Set
	Limiter   *ratelimit.Limiter
	Hub       *events.Hub
	Metrics   *metrics.Metrics
	Advisor   *advisor.Chain

	// PluginSink and WebhookSink override Plugins and Webhooks as event targets.
	PluginSink  EventSink
	WebhookSink EventSink

	// Closers are closed last during Shutdown.
	Closers []io.Closer
}

// Coordinator is the running system.
type Coordinator struct {
	cfg       *config.Config
	tasks     *task.Manager
	agents    *agent.Registry
	runner    Runner
	allow     dispatch.AllowList
	plugins   *plugin.Manager
	webhooks  *webhook.Service
	breakers  *breaker.Set
	limiter   *ratelimit.Limiter
	hub       *events.Hub
	metrics   *metrics.Metrics
	advisor   *advisor.Chain
	closers   []io.Closer
	startedAt time.Time
	logger    *slog.Logger

	pluginSink  EventSink
	webhookSink EventSink

	// runCtx outlives requests; cancelling it aborts child processes.
	runCtx    context.Context
	runCancel context.CancelFunc
	execWG    sync.WaitGroup
	inflight  atomic.Int64

	holdMu sync.Mutex
	held   map[string]string // task id -> agent holding a queue slot

	mu       sync.Mutex
	started  bool
	closing  bool
	stopBg   chan struct{}
	bgWG     sync.WaitGroup
	cron     *cron.Cron
	cronJobs int
}

// New wires deps together and subscribes to task changes. Nothing runs in
// the background until Start.
func New(d Deps) (*Coordinator, error) {
	if d.Tasks == nil || d.Agents == nil || d.Runner == nil {
		return nil, errors.New("coordinator: tasks, agents and runner are required")
	}
	if d.Config == nil {
		d.Config = config.Defaults()
	}
	if d.AllowList == nil {
		d.AllowList = dispatch.DefaultAllowList()
	}
	if d.Hub == nil {
		d.Hub = events.NewHub(0)
	}
	if d.Breakers == nil {
		d.Breakers = breaker.NewSet(d.Config.CircuitBreaker.Threshold, d.Config.CircuitBreaker.Timeout)
	}
	if d.Advisor == nil {
		d.Advisor = advisor.NewChain(d.AllowList, advisor.NewHeuristicProvider())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:         d.Config,
		tasks:       d.Tasks,
		agents:      d.Agents,
		runner:      d.Runner,
		allow:       d.AllowList,
		plugins:     d.Plugins,
		webhooks:    d.Webhooks,
		breakers:    d.Breakers,
		limiter:     d.Limiter,
		hub:         d.Hub,
		metrics:     d.Metrics,
		advisor:     d.Advisor,
		closers:     d.Closers,
		startedAt:   time.Now().UTC(),
		logger:      log.WithComponent("coordinator"),
		pluginSink:  d.PluginSink,
		webhookSink: d.WebhookSink,
		runCtx:      runCtx,
		runCancel:   cancel,
		held:        make(map[string]string),
		stopBg:      make(chan struct{}),
	}
	// Assigning a nil pointer would leave a non-nil interface.
	if c.pluginSink == nil && d.Plugins != nil {
		c.pluginSink = d.Plugins
	}
	if c.webhookSink == nil && d.Webhooks != nil {
		c.webhookSink = d.Webhooks
	}
	c.tasks.OnChange(c.onTaskChange)
	return c, nil
}

// Accessors used by the HTTP layer.
func (c *Coordinator) Config() *config.Config        { return c.cfg }
func (c *Coordinator) Tasks() *task.Manager          { return c.tasks }
func (c *Coordinator) Agents() *agent.Registry       { return c.agents }
func (c *Coordinator) AllowList() dispatch.AllowList { return c.allow }
func (c *Coordinator) Plugins() *plugin.Manager      { return c.plugins }
func (c *Coordinator) Webhooks() *webhook.Service    { return c.webhooks }
func (c *Coordinator) Breakers() *breaker.Set        { return c.breakers }
func (c *Coordinator) Limiter() *ratelimit.Limiter   { return c.limiter }
func (c *Coordinator) Hub() *events.Hub              { return c.hub }
func (c *Coordinator) Metrics() *metrics.Metrics     { return c.metrics }

// Start launches webhook workers, the queued-task picker and the cleanup
// schedule. It is a no-op after the first call.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.closing {
		return errors.New("coordinator: already shut down")
	}

	if c.webhooks != nil {
		c.webhooks.Start()
	}

	c.cron = cron.New()
	if spec := c.cfg.Tasks.CleanupSchedule; spec != "" {
		if _, err := c.cron.AddFunc(spec, func() { c.Maintain(c.runCtx) }); err != nil {
			return fmt.Errorf("schedule cleanup %q: %w", spec, err)
		}
		c.cronJobs++
	}
	c.cron.Start()

	if c.cfg.Tasks.PickerEnabled && c.cfg.Tasks.PickerInterval > 0 {
		c.bgWG.Add(1)
		go c.pickerLoop(c.cfg.Tasks.PickerInterval)
	}

	c.started = true
	c.logger.Info("coordinator started",
		"picker", c.cfg.Tasks.PickerEnabled,
		"picker_interval", c.cfg.Tasks.PickerInterval,
		"max_concurrent", c.cfg.Tasks.MaxConcurrent,
		"cleanup_schedule", c.cfg.Tasks.CleanupSchedule,
	)
	return nil
}

// Shutdown stops background work, waits for running executions until ctx
// ends (then kills them), drains webhooks and shuts plugins down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	c.mu.Unlock()

	c.logger.Info("coordinator shutting down")
	if started {
		close(c.stopBg)
		c.bgWG.Wait()
		<-c.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		c.execWG.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown deadline reached, killing running tasks", "running", c.inflight.Load())
		c.runCancel()
		<-done
		errs = append(errs, fmt.Errorf("wait for running tasks: %w", ctx.Err()))
	}
	c.runCancel()

	if c.webhooks != nil {
		if err := c.webhooks.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close webhooks: %w", err))
		}
	}
	if c.plugins != nil {
		if err := c.plugins.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown plugins: %w", err))
		}
	}
	c.hub.Close()
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("coordinator stopped")
	return errors.Join(errs...)
}
