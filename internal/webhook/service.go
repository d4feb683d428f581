package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/ratelimit"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 5 * time.Minute
	rateLimitWindow    = time.Minute
	maxResponseDrain   = 64 << 10
)

var errQueueFull = errors.New("delivery queue full")

// Options configures a Service. Zero values take defaults.
type Options struct {
	Workers   int
	QueueSize int
	// BaseBackoff is the delay unit: after failed attempt n the retry waits
	// BaseBackoff * 2^n, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Client      *http.Client
	Now         func() time.Time
	// OnRecord observes every delivery log record as it is written.
	OnRecord func(LogRecord)
}

// Service fans events out to subscriptions through a FIFO queue drained by a
// pool of workers.
type Service struct {
	reg     *Registry
	dlog    *DeliveryLog
	limiter *ratelimit.Limiter
	opts    Options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	queue   chan *Delivery
	closed  bool
	started bool
	timers  map[string]pendingRetry
}

type pendingRetry struct {
	timer    *time.Timer
	delivery *Delivery
}

// NewService wires a registry and delivery log. Call Start to run workers.
func NewService(reg *Registry, dlog *DeliveryLog, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		reg:     reg,
		dlog:    dlog,
		limiter: ratelimit.New(rateLimitWindow, DefaultRateLimit, ratelimit.WithClock(opts.Now)),
		opts:    opts,
		logger:  log.WithComponent("webhooks"),
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *Delivery, opts.QueueSize),
		timers:  make(map[string]pendingRetry),
	}
}

// Registry returns the subscription registry.
func (s *Service) Registry() *Registry { return s.reg }

// Start launches the delivery workers. It is a no-op after the first call.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("webhook delivery started", "workers", s.opts.Workers, "queue_size", s.opts.QueueSize)
}

// Emit enqueues one delivery per enabled subscription for eventType that is
// within its rate limit and returns how many were enqueued. Subscriptions
// over their limit are skipped for this event. Emit never waits on the network.
func (s *Service) Emit(eventType string, payload map[string]any) int {
	now := s.opts.Now().UTC()
	n := 0
	for _, sub := range s.reg.Matching(eventType) {
		if !s.limiter.AllowLimit(sub.ID, sub.RateLimit) {
			s.logger.Warn("webhook rate limited, event dropped",
				"webhook_id", sub.ID, "event", eventType, "limit_per_minute", sub.RateLimit)
			continue
		}

		id := uuid.NewString()
		d := &Delivery{
			ID:             id,
			SubscriptionID: sub.ID,
			EventType:      eventType,
			Payload:        payload,
			Status:         StatusPending,
			CreatedAt:      now,
			envelope: Envelope{
				ID:        id,
				WebhookID: sub.ID,
				EventType: eventType,
				Timestamp: now,
				Data:      payload,
			},
		}
		switch err := s.enqueue(d); {
		case err == nil:
			n++
		case errors.Is(err, ErrClosed):
			return n
		default:
			s.finish(d, StatusFailed, err.Error())
		}
	}
	return n
}

func (s *Service) enqueue(d *Delivery) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- d:
		return nil
	default:
		return errQueueFull
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for d := range s.queue {
		s.attempt(d)
	}
}

// attempt makes one delivery attempt and routes the outcome. Only the
// goroutine holding d touches it.
func (s *Service) attempt(d *Delivery) {
	sub, err := s.reg.Get(d.SubscriptionID)
	if err != nil {
		s.finish(d, StatusFailed, "webhook unregistered before delivery")
		return
	}
	if !sub.Enabled {
		s.finish(d, StatusFailed, "webhook disabled before delivery")
		return
	}

	d.AttemptCount++
	code, err := s.send(sub, d)
	d.StatusCode = code
	if err == nil {
		now := s.opts.Now().UTC()
		d.DeliveredAt = &now
		d.NextRetryAt = nil
		s.finish(d, StatusSuccess, "")
		return
	}

	if d.AttemptCount <= sub.RetryCount {
		s.scheduleRetry(d, err.Error())
		return
	}
	s.finish(d, StatusFailed, err.Error())
}

func (s *Service) send(sub *Subscription, d *Delivery) (int, error) {
	body, err := CanonicalJSON(d.envelope)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	timeout := sub.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(EventHeader, d.EventType)
	req.Header.Set(DeliveryHeader, d.ID)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Backoff returns the wait after failed attempt n (1-based).
func (s *Service) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 30 {
		return s.opts.MaxBackoff
	}
	d := s.opts.BaseBackoff * time.Duration(1<<uint(n))
	if d > s.opts.MaxBackoff || d <= 0 {
		return s.opts.MaxBackoff
	}
	return d
}

func (s *Service) scheduleRetry(d *Delivery, reason string) {
	delay := s.Backoff(d.AttemptCount)
	next := s.opts.Now().UTC().Add(delay)
	d.NextRetryAt = &next
	d.ErrorMessage = reason

	d.Status = StatusRetry
	s.record(d)

	// The record is written before the timer exists so the next attempt
	// cannot race with it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.finish(d, StatusFailed, reason+"; service closed before retry")
		return
	}
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, d.ID)
		s.mu.Unlock()
		if err := s.enqueue(d); err != nil {
			s.finish(d, StatusFailed, reason+"; requeue: "+err.Error())
		}
	})
	s.timers[d.ID] = pendingRetry{timer: timer, delivery: d}
	s.mu.Unlock()
}

// finish records a terminal outcome.
func (s *Service) finish(d *Delivery, status DeliveryStatus, reason string) {
	d.Status = status
	d.ErrorMessage = reason
	if status != StatusRetry {
		d.NextRetryAt = nil
	}
	s.record(d)
}

func (s *Service) record(d *Delivery) {
	rec := LogRecord{
		DeliveryID:   d.ID,
		WebhookID:    d.SubscriptionID,
		EventType:    d.EventType,
		Status:       d.Status,
		AttemptCount: d.AttemptCount,
		StatusCode:   d.StatusCode,
		ErrorMessage: d.ErrorMessage,
		NextRetryAt:  d.NextRetryAt,
		CreatedAt:    d.CreatedAt,
		LoggedAt:     s.opts.Now().UTC(),
	}

	logger := log.WithWebhook(d.SubscriptionID).With("delivery_id", d.ID, "event", d.EventType, "attempt", d.AttemptCount)
	switch d.Status {
	case StatusSuccess:
		logger.Info("webhook delivered", "status_code", d.StatusCode)
	case StatusRetry:
		logger.Warn("webhook delivery failed, will retry", "error", d.ErrorMessage, "next_retry_at", d.NextRetryAt)
	default:
		logger.Error("webhook delivery failed", "error", d.ErrorMessage, "status_code", d.StatusCode)
	}

	if s.dlog != nil {
		if err := s.dlog.Append(rec); err != nil {
			s.logger.Error("failed to append delivery log", "error", err)
		}
	}
	if s.opts.OnRecord != nil {
		s.opts.OnRecord(rec)
	}
}

// QueueDepth returns deliveries waiting for a worker.
func (s *Service) QueueDepth() int { return len(s.queue) }

// PendingRetries returns deliveries waiting on a backoff timer.
func (s *Service) PendingRetries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

// EvictIdle drops rate limit state for subscriptions idle for a full window.
func (s *Service) EvictIdle() int { return s.limiter.Evict() }

// Stats totals the delivery log and the registry.
func (s *Service) Stats() (Stats, error) {
	st := Stats{ByStatus: map[DeliveryStatus]int{}, QueueSize: s.QueueDepth()}
	for _, sub := range s.reg.List() {
		st.Webhooks++
		if sub.Enabled {
			st.Enabled++
		}
	}
	if s.dlog == nil {
		return st, nil
	}
	counts, total, err := s.dlog.Counts()
	if err != nil {
		return st, err
	}
	st.ByStatus = counts
	st.Total = total
	return st, nil
}

// Deliveries returns recent log records for one webhook, or all when webhookID is empty.
func (s *Service) Deliveries(webhookID string, limit int) ([]LogRecord, error) {
	if s.dlog == nil {
		return nil, nil
	}
	return s.dlog.Read(webhookID, limit)
}

// Close stops intake, cancels pending retries (recording them as failed)
// and waits for the workers to drain the queue. If ctx ends first,
// in-flight requests are aborted.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var cancelled []*Delivery
	for id, p := range s.timers {
		if p.timer.Stop() {
			cancelled = append(cancelled, p.delivery)
		}
		delete(s.timers, id)
	}
	close(s.queue)
	started := s.started
	s.mu.Unlock()

	for _, d := range cancelled {
		s.finish(d, StatusFailed, d.ErrorMessage+"; cancelled at shutdown")
	}

	if !started {
		for d := range s.queue {
			s.finish(d, StatusFailed, "cancelled at shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
		err = ctx.Err()
	}
	s.cancel()

	if s.dlog != nil {
		if cerr := s.dlog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
