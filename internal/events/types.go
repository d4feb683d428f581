package events

// Lifecycle event types published by the coordinator.
const (
	TaskCreated           = "task_created"
	TaskStarted           = "task_started"
	TaskCompleted         = "task_completed"
	TaskFailed            = "task_failed"
	TaskRetried           = "task_retried"
	TaskDeadLettered      = "task_dead_lettered"
	TaskRemoved           = "task_removed"
	AgentRegistered       = "agent_registered"
	AgentStatusChange     = "agent_status_change"
	WebhookDeliveryFailed = "webhook_delivery_failed"
)

// External reports whether eventType may be delivered to webhook
// subscribers. Delivery failures stay internal so a failing subscriber
// cannot trigger further deliveries.
func External(eventType string) bool {
	switch eventType {
	case WebhookDeliveryFailed, TaskRemoved:
		return false
	}
	return true
}
