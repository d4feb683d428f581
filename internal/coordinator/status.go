package coordinator

import (
	"context"
	"time"

	"github.com/mattjoyce/mcpd/internal/advisor"
	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/breaker"
	"github.com/mattjoyce/mcpd/internal/plugin"
	"github.com/mattjoyce/mcpd/internal/task"
)

// Health states reported by Health.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// StatusReport is the fleet view served at /status.
type StatusReport struct {
	OK          bool                `json:"ok"`
	Agents      []*agent.Record     `json:"agents"`
	Tasks       []*task.Task        `json:"tasks"`
	Counts      map[task.Status]int `json:"counts"`
	Controllers []agent.Controller  `json:"controllers"`
}

// Status returns every agent, task and controller.
func (c *Coordinator) Status() StatusReport {
	return StatusReport{
		OK:          true,
		Agents:      c.agents.List(),
		Tasks:       c.tasks.List(task.Filter{}),
		Counts:      c.tasks.Counts(),
		Controllers: c.agents.Controllers(),
	}
}

// WebhookHealth is the delivery backlog.
type WebhookHealth struct {
	QueueDepth     int `json:"queue_depth"`
	PendingRetries int `json:"pending_retries"`
}

// HealthReport is served at /health.
type HealthReport struct {
	Status        string                   `json:"status"`
	Service       string                   `json:"service"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	TaskStore     string                   `json:"task_store"`
	TaskStoreErr  string                   `json:"task_store_error,omitempty"`
	Running       int64                    `json:"running"`
	Plugins       map[string]plugin.Health `json:"plugins"`
	Breakers      []breaker.Status         `json:"breakers"`
	Webhooks      *WebhookHealth           `json:"webhooks,omitempty"`
	Subscribers   int                      `json:"event_subscribers"`
}

// Available reports whether the service can accept work.
func (h HealthReport) Available() bool { return h.Status != HealthUnavailable }

// Health checks the dependencies. Only an unwritable task store makes the
// service unavailable; an open breaker or unhealthy plugin degrades it.
func (c *Coordinator) Health() HealthReport {
	rep := HealthReport{
		Status:        HealthOK,
		Service:       c.cfg.Service.Name,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		TaskStore:     "writable",
		Running:       c.inflight.Load(),
		Plugins:       map[string]plugin.Health{},
		Breakers:      c.breakers.Snapshot(),
		Subscribers:   c.hub.Subscribers(),
	}

	if c.plugins != nil {
		rep.Plugins = c.plugins.Health()
		for _, h := range rep.Plugins {
			if h == plugin.HealthUnhealthy || h == plugin.HealthFailed {
				rep.Status = HealthDegraded
			}
		}
	}
	for _, b := range rep.Breakers {
		if b.State != breaker.Closed {
			rep.Status = HealthDegraded
		}
	}
	if c.webhooks != nil {
		rep.Webhooks = &WebhookHealth{
			QueueDepth:     c.webhooks.QueueDepth(),
			PendingRetries: c.webhooks.PendingRetries(),
		}
	}
	if err := c.tasks.StoreWritable(); err != nil {
		rep.Status = HealthUnavailable
		rep.TaskStore = "unwritable"
		rep.TaskStoreErr = err.Error()
	}
	return rep
}

// Advisor returns the suggestion chain.
func (c *Coordinator) Advisor() *advisor.Chain { return c.advisor }

// Suggest asks the advisor chain for a command and, when the caller named no
// agent, routes to the least loaded agent advertising that command.
func (c *Coordinator) Suggest(ctx context.Context, req advisor.Request) (advisor.Suggestion, error) {
	s, err := c.advisor.Suggest(ctx, req)
	if err != nil {
		return advisor.Suggestion{}, err
	}
	if s.Agent == "" {
		if rec, ok := c.agents.Best(s.Command); ok {
			s.Agent = rec.ID
		}
	}
	return s, nil
}
