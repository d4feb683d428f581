package protocol

import "time"

// Version is the only envelope version executable plugins speak.
const Version = 1

// Operations an executable plugin must answer.
const (
	OpInit        = "init"
	OpHandleEvent = "handle_event"
	OpHealth      = "health"
	OpShutdown    = "shutdown"
)

// Request is written to a plugin's stdin, one per invocation.
type Request struct {
	Protocol   int            `json:"protocol"`
	Op         string         `json:"op"` // init | handle_event | health | shutdown
	Plugin     string         `json:"plugin"`
	Config     map[string]any `json:"config,omitempty"`
	Event      *Event         `json:"event,omitempty"` // only for handle_event
	DeadlineAt time.Time      `json:"deadline_at"`
}

// Response is read from a plugin's stdout.
type Response struct {
	Status       string     `json:"status"` // ok | error
	Error        string     `json:"error,omitempty"`
	Healthy      *bool      `json:"healthy,omitempty"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Logs         []LogEntry `json:"logs,omitempty"`
}

// Event is the lifecycle event handed to a plugin.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// IsHealthy reports the plugin's own health claim. Omitted means healthy.
func (r *Response) IsHealthy() bool {
	if r.Healthy == nil {
		return true
	}
	return *r.Healthy
}
