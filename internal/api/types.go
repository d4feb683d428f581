package api

import (
	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/plugin"
	"github.com/mattjoyce/mcpd/internal/task"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Allowed []string `json:"allowed,omitempty"`
}

// RegisterRequest is the JSON body for POST /register.
type RegisterRequest struct {
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities"`
}

// RegisterResponse is returned by POST /register.
type RegisterResponse struct {
	OK         bool          `json:"ok"`
	Registered string        `json:"registered"`
	Agent      *agent.Record `json:"agent"`
}

// HeartbeatRequest is the JSON body for POST /heartbeat.
type HeartbeatRequest struct {
	Agent   string `json:"agent"`
	Project string `json:"project,omitempty"`
}

// HeartbeatResponse is returned by POST /heartbeat.
type HeartbeatResponse struct {
	OK         bool             `json:"ok"`
	Controller agent.Controller `json:"controller"`
}

// ControllersResponse is returned by GET /controllers.
type ControllersResponse struct {
	Controllers []agent.Controller `json:"controllers"`
}

// RunResponse acknowledges POST /run.
type RunResponse struct {
	OK     bool        `json:"ok"`
	TaskID string      `json:"task_id"`
	Queued bool        `json:"queued"`
	Status task.Status `json:"status"`
}

// ExecuteRequest is the JSON body for POST /execute_task.
type ExecuteRequest struct {
	TaskID string `json:"task_id"`
}

// ExecuteResponse acknowledges POST /execute_task.
type ExecuteResponse struct {
	OK     bool        `json:"ok"`
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// TaskListResponse is returned by GET /tasks.
type TaskListResponse struct {
	Tasks  []*task.Task        `json:"tasks"`
	Counts map[task.Status]int `json:"counts"`
}

// RetryRequest is the optional JSON body for POST /tasks/{id}/retry.
type RetryRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RetryResponse is returned by POST /tasks/{id}/retry.
type RetryResponse struct {
	OK          bool             `json:"ok"`
	Disposition task.Disposition `json:"disposition"`
	Task        *task.Task       `json:"task"`
}

// AttemptsResponse is returned by GET /tasks/{id}/attempts.
type AttemptsResponse struct {
	TaskID   string         `json:"task_id"`
	Attempts []task.Attempt `json:"attempts"`
}

// DeadLettersResponse is returned by GET /dead_letters.
type DeadLettersResponse struct {
	DeadLetters []task.DeadLetter `json:"dead_letters"`
}

// SuggestRequest is the JSON body for POST /suggest.
type SuggestRequest struct {
	Text  string `json:"text"`
	Agent string `json:"agent,omitempty"`
}

// SuggestResponse is returned by POST /suggest.
type SuggestResponse struct {
	OK         bool    `json:"ok"`
	Provider   string  `json:"provider"`
	Command    string  `json:"command"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
}

// WebhookCreatedResponse is returned by POST /webhooks. It is the only
// response that carries the secret.
type WebhookCreatedResponse struct {
	OK        bool                  `json:"ok"`
	WebhookID string                `json:"webhook_id"`
	Webhook   *webhook.Subscription `json:"webhook"`
}

// WebhookListResponse is returned by GET /webhooks.
type WebhookListResponse struct {
	Webhooks []*webhook.Subscription `json:"webhooks"`
}

// DeliveriesResponse is returned by GET /webhooks/{id}/deliveries.
type DeliveriesResponse struct {
	WebhookID  string              `json:"webhook_id"`
	Deliveries []webhook.LogRecord `json:"deliveries"`
}

// PluginListResponse is returned by GET /plugins.
type PluginListResponse struct {
	Plugins      []plugin.Descriptor `json:"plugins"`
	Capabilities map[string][]string `json:"capabilities"`
}
