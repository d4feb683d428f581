package task

import (
	"maps"
	"time"

	"github.com/mattjoyce/mcpd/internal/errs"
)

// Status is a position in the task state machine:
//
//	queued → running → {success | failed | error}
//	failed | error → queued   (retry, retries+1)
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Terminal reports whether s ends an attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// Failure reports whether s is a terminal failure eligible for retry.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusSuccess, StatusFailed, StatusError},
	StatusFailed:  {StatusQueued},
	StatusError:   {StatusQueued},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrphanedReason marks tasks found running by a new process.
const OrphanedReason = "orphaned after restart"

// Task is one requested command execution.
type Task struct {
	ID            string         `json:"id"`
	Agent         string         `json:"agent"`
	Command       string         `json:"command"`
	Project       string         `json:"project,omitempty"`
	Status        Status         `json:"status"`
	ReturnCode    *int           `json:"return_code"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	Retries       int            `json:"retries"`
	MaxRetries    int            `json:"max_retries"`
	CorrelationID string         `json:"correlation_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	DeadLettered  bool           `json:"dead_lettered,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Clone returns a copy safe to hand outside the manager's lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.ReturnCode != nil {
		rc := *t.ReturnCode
		c.ReturnCode = &rc
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		s := *t.CompletedAt
		c.CompletedAt = &s
	}
	if t.Meta != nil {
		c.Meta = maps.Clone(t.Meta)
	}
	return &c
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Agent         string
	Command       string
	Project       string
	Meta          map[string]any
	CorrelationID string
	// MaxRetries overrides the manager default when non-nil.
	MaxRetries *int
}

// Result carries the outcome of one attempt into Transition.
type Result struct {
	ReturnCode *int
	Stdout     string
	Stderr     string
	Reason     string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status Status
	Agent  string
	Limit  int
}

// Disposition is what RetryOrDeadLetter decided.
type Disposition string

const (
	Retried      Disposition = "retried"
	DeadLettered Disposition = "dead_lettered"
)

// Event names a lifecycle change reported to observers.
type Event string

const (
	EventCreated      Event = "task_created"
	EventStarted      Event = "task_started"
	EventCompleted    Event = "task_completed"
	EventRetried      Event = "task_retried"
	EventDeadLettered Event = "task_dead_lettered"
	EventRecovered    Event = "task_recovered"
	EventRemoved      Event = "task_removed"
)

// Change is delivered to observers after the table lock is released.
type Change struct {
	Event Event
	From  Status
	Task  *Task
}

var (
	ErrNotFound          = errs.New(errs.NotFound, "task not found")
	ErrNotQueued         = errs.New(errs.Conflict, "task is not queued")
	ErrInvalidTransition = errs.New(errs.Conflict, "invalid task transition")
	ErrInvalid           = errs.New(errs.Validation, "invalid task request")
)
