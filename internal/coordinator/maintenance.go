package coordinator

import (
	"context"

	"github.com/mattjoyce/mcpd/internal/plugin"
)

// MaintenanceReport summarises one housekeeping pass.
type MaintenanceReport struct {
	TasksRemoved       int `json:"tasks_removed"`
	RateKeysEvicted    int `json:"rate_keys_evicted"`
	WebhookKeysEvicted int `json:"webhook_keys_evicted"`
	UnhealthyPlugins   int `json:"unhealthy_plugins"`
}

// Maintain expires old tasks, evicts idle limiter keys and re-polls plugin
// health. It runs on the cleanup schedule and may be called directly.
func (c *Coordinator) Maintain(ctx context.Context) MaintenanceReport {
	var rep MaintenanceReport
	if ttl := c.cfg.Tasks.TTL; ttl > 0 {
		rep.TasksRemoved = c.tasks.Cleanup(ctx, ttl)
	}
	if c.limiter != nil {
		rep.RateKeysEvicted = c.limiter.Evict()
	}
	if c.webhooks != nil {
		rep.WebhookKeysEvicted = c.webhooks.EvictIdle()
		c.metrics.SetWebhookQueueDepth(c.webhooks.QueueDepth())
	}
	if c.plugins != nil {
		for name, h := range c.plugins.CheckHealth() {
			if h == plugin.HealthUnhealthy {
				rep.UnhealthyPlugins++
				c.logger.Warn("plugin unhealthy", "plugin", name)
			}
		}
	}
	c.logger.Info("maintenance complete",
		"tasks_removed", rep.TasksRemoved,
		"rate_keys_evicted", rep.RateKeysEvicted,
		"webhook_keys_evicted", rep.WebhookKeysEvicted,
		"unhealthy_plugins", rep.UnhealthyPlugins,
	)
	return rep
}
