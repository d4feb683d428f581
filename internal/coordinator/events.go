package coordinator

import (
	"time"

	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/events"
	"github.com/mattjoyce/mcpd/internal/task"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

// emit fans an event out to plugins (synchronously, in load order), then
// webhooks (queued), then the hub. Each target gets its own copy of data.
func (c *Coordinator) emit(eventType string, data map[string]any) {
	if c.pluginSink != nil {
		c.pluginSink.Emit(eventType, cloneData(data))
	}
	if c.webhookSink != nil && events.External(eventType) {
		c.webhookSink.Emit(eventType, cloneData(data))
	}
	c.hub.Publish(eventType, data)
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// onTaskChange runs after every task transition, outside the table lock.
func (c *Coordinator) onTaskChange(ch task.Change) {
	t := ch.Task
	switch ch.Event {
	case task.EventCreated:
		c.hold(t)
		c.emit(events.TaskCreated, taskPayload(t))
	case task.EventStarted:
		c.emit(events.TaskStarted, taskPayload(t))
	case task.EventCompleted, task.EventRecovered:
		c.metrics.TaskFinished(string(t.Status), runTime(t))
		if t.Status == task.StatusSuccess || !c.cfg.Tasks.AutoRetry || ch.Event == task.EventRecovered {
			c.release(t)
		}
		payload := taskPayload(t)
		c.emit(events.TaskCompleted, payload)
		if t.Status.Failure() {
			c.emit(events.TaskFailed, payload)
		}
	case task.EventRetried:
		c.hold(t)
		c.emit(events.TaskRetried, taskPayload(t))
	case task.EventDeadLettered:
		c.release(t)
		c.emit(events.TaskDeadLettered, taskPayload(t))
	case task.EventRemoved:
		c.release(t)
		c.emit(events.TaskRemoved, map[string]any{"task_id": t.ID, "status": string(t.Status)})
	}
}

// hold counts an active task against its agent once.
func (c *Coordinator) hold(t *task.Task) {
	c.holdMu.Lock()
	if _, ok := c.held[t.ID]; ok {
		c.holdMu.Unlock()
		return
	}
	c.held[t.ID] = t.Agent
	before := c.agentStatus(t.Agent)
	c.agents.Assign(t.Agent)
	after := c.agentStatus(t.Agent)
	c.holdMu.Unlock()

	c.agentChanged(t.Agent, before, after)
}

// release frees the agent slot taken by hold.
func (c *Coordinator) release(t *task.Task) {
	c.holdMu.Lock()
	agentID, ok := c.held[t.ID]
	if !ok {
		c.holdMu.Unlock()
		return
	}
	delete(c.held, t.ID)
	before := c.agentStatus(agentID)
	c.agents.Release(agentID)
	after := c.agentStatus(agentID)
	c.holdMu.Unlock()

	c.agentChanged(agentID, before, after)
}

func (c *Coordinator) agentStatus(id string) agent.Status {
	if rec, ok := c.agents.Get(id); ok {
		return rec.Status
	}
	return ""
}

func (c *Coordinator) agentChanged(id string, before, after agent.Status) {
	if before == after {
		return
	}
	data := map[string]any{
		"agent_id": id,
		"status":   string(after),
		"previous": string(before),
	}
	if rec, ok := c.agents.Get(id); ok {
		data["queue_size"] = rec.QueueSize
	}
	c.emit(events.AgentStatusChange, data)
}

// RegisterAgent records an agent and announces it.
func (c *Coordinator) RegisterAgent(id string, capabilities []string) (*agent.Record, error) {
	rec, err := c.agents.Register(id, capabilities)
	if err != nil {
		return nil, err
	}
	c.emit(events.AgentRegistered, map[string]any{
		"agent_id":     rec.ID,
		"capabilities": rec.Capabilities,
		"status":       string(rec.Status),
	})
	return rec, nil
}

// Heartbeat records a controller announcement.
func (c *Coordinator) Heartbeat(id, project string) (agent.Controller, error) {
	return c.agents.Heartbeat(id, project)
}

// OnDeliveryRecord observes the webhook delivery log. Terminal failures are
// announced internally; they never reach webhooks themselves.
func (c *Coordinator) OnDeliveryRecord(rec webhook.LogRecord) {
	c.metrics.WebhookDelivery(string(rec.Status))
	if c.webhooks != nil {
		c.metrics.SetWebhookQueueDepth(c.webhooks.QueueDepth())
	}
	if rec.Status != webhook.StatusFailed {
		return
	}
	c.emit(events.WebhookDeliveryFailed, map[string]any{
		"delivery_id":   rec.DeliveryID,
		"webhook_id":    rec.WebhookID,
		"event_type":    rec.EventType,
		"attempt_count": rec.AttemptCount,
		"status_code":   rec.StatusCode,
		"error":         rec.ErrorMessage,
	})
}

// OnPluginError counts a plugin event failure.
func (c *Coordinator) OnPluginError(name string, _ error) {
	c.metrics.PluginError(name)
}

// OnBreakerState records a circuit transition.
func (c *Coordinator) OnBreakerState(name string, state string) {
	c.metrics.CircuitState(name, state)
	c.hub.Publish("circuit_state_change", map[string]any{"name": name, "state": state})
}

func taskPayload(t *task.Task) map[string]any {
	p := map[string]any{
		"task_id":        t.ID,
		"agent":          t.Agent,
		"command":        t.Command,
		"project":        t.Project,
		"status":         string(t.Status),
		"retries":        t.Retries,
		"max_retries":    t.MaxRetries,
		"correlation_id": t.CorrelationID,
		"created_at":     t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.ReturnCode != nil {
		p["return_code"] = *t.ReturnCode
	}
	if t.Status.Terminal() {
		p["stdout"] = t.Stdout
		p["stderr"] = t.Stderr
	}
	if t.CompletedAt != nil {
		p["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if t.Reason != "" {
		p["reason"] = t.Reason
	}
	if t.DeadLettered {
		p["dead_lettered"] = true
	}
	if len(t.Meta) > 0 {
		p["meta"] = t.Meta
	}
	return p
}

func runTime(t *task.Task) time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
