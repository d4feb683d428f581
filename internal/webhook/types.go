package webhook

import (
	"time"

	"github.com/mattjoyce/mcpd/internal/errs"
)

// Default values applied at registration.
const (
	DefaultRetryCount = 3
	DefaultTimeout    = 30 * time.Second
	DefaultRateLimit  = 100
	UserAgent         = "mcpd-webhook/1.0"

	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
	DeliveryHeader  = "X-Webhook-Delivery"
)

var (
	ErrNotFound = errs.New(errs.NotFound, "webhook not found")
	ErrInvalid  = errs.New(errs.Validation, "invalid webhook")
	ErrClosed   = errs.New(errs.Internal, "webhook service closed")
)

// Subscription is one registered receiver.
type Subscription struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Secret     string            `json:"secret"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    bool              `json:"enabled"`
	RetryCount int               `json:"retry_count"`
	Timeout    Duration          `json:"timeout"`
	RateLimit  int               `json:"rate_limit"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Subscribes reports whether the subscription wants eventType.
func (s *Subscription) Subscribes(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = append([]string(nil), s.Events...)
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Redacted returns a copy safe to show to API callers.
func (s *Subscription) Redacted() *Subscription {
	c := s.clone()
	if c.Secret != "" {
		c.Secret = "********"
	}
	return c
}

// RegisterRequest creates a subscription. Zero values take defaults.
type RegisterRequest struct {
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Secret     string            `json:"secret,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	RetryCount *int              `json:"retry_count,omitempty"`
	Timeout    Duration          `json:"timeout,omitempty"`
	RateLimit  int               `json:"rate_limit,omitempty"`
}

// UpdateRequest changes the non-nil fields of a subscription.
type UpdateRequest struct {
	URL        *string            `json:"url,omitempty"`
	Events     []string           `json:"events,omitempty"`
	Secret     *string            `json:"secret,omitempty"`
	Headers    map[string]string  `json:"headers,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
	RetryCount *int               `json:"retry_count,omitempty"`
	Timeout    *Duration          `json:"timeout,omitempty"`
	RateLimit  *int               `json:"rate_limit,omitempty"`
}

// DeliveryStatus is the state of one delivery.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSuccess DeliveryStatus = "success"
	StatusFailed  DeliveryStatus = "failed"
	StatusRetry   DeliveryStatus = "retry"
)

// Delivery is one (event, subscription) pair and its attempts.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"webhook_id"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	StatusCode     int            `json:"status_code,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`

	// envelope is fixed at emit time so every attempt signs the same body.
	envelope Envelope
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID        string         `json:"id"`
	WebhookID string         `json:"webhook_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Stats summarises the delivery log.
type Stats struct {
	Total     int                    `json:"total"`
	ByStatus  map[DeliveryStatus]int `json:"by_status"`
	Webhooks  int                    `json:"webhooks"`
	Enabled   int                    `json:"enabled"`
	QueueSize int                    `json:"queue_depth"`
}
