package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/storage"
)

// Defaults are applied to registrations that leave a field unset.
type Defaults struct {
	RetryCount int
	Timeout    time.Duration
	RateLimit  int
}

func (d Defaults) withFallbacks() Defaults {
	if d.RetryCount < 0 {
		d.RetryCount = DefaultRetryCount
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.RateLimit <= 0 {
		d.RateLimit = DefaultRateLimit
	}
	return d
}

type fileFormat struct {
	Webhooks []*Subscription `json:"webhooks"`
}

// Registry holds subscriptions and mirrors them to a JSON file. Subscriptions
// are only removed by Unregister.
type Registry struct {
	path     string
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// OpenRegistry loads path if it exists. An empty path keeps the registry in memory.
func OpenRegistry(path string, defaults Defaults, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		path:     path,
		defaults: defaults.withFallbacks(),
		now:      now,
		logger:   log.WithComponent("webhooks"),
		subs:     make(map[string]*Subscription),
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read webhook config: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse webhook config %s: %w", path, err)
	}
	for _, s := range f.Webhooks {
		if s == nil || s.ID == "" {
			continue
		}
		r.subs[s.ID] = s
	}
	r.logger.Info("webhook subscriptions loaded", "count", len(r.subs), "path", path)
	return r, nil
}

// Register validates req, fills defaults and persists the new subscription.
func (r *Registry) Register(req RegisterRequest) (*Subscription, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		if secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	now := r.now().UTC()
	sub := &Subscription{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Events:     events,
		Secret:     secret,
		Headers:    req.Headers,
		Enabled:    true,
		RetryCount: r.defaults.RetryCount,
		Timeout:    Duration(r.defaults.Timeout),
		RateLimit:  r.defaults.RateLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.RetryCount != nil {
		if *req.RetryCount < 0 {
			return nil, errs.Wrap(errs.Validation, ErrInvalid, "retry_count must not be negative")
		}
		sub.RetryCount = *req.RetryCount
	}
	if req.Timeout > 0 {
		sub.Timeout = req.Timeout
	}
	if req.RateLimit > 0 {
		sub.RateLimit = req.RateLimit
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	if err := r.saveLocked(); err != nil {
		delete(r.subs, sub.ID)
		return nil, err
	}
	r.logger.Info("webhook registered", "webhook_id", sub.ID, "events", sub.Events)
	return sub.clone(), nil
}

// Update applies the non-nil fields of req.
func (r *Registry) Update(id string, req UpdateRequest) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.clone()

	if req.URL != nil {
		if err := validateURL(*req.URL); err != nil {
			return nil, err
		}
		next.URL = *req.URL
	}
	if req.Events != nil {
		events, err := normalizeEvents(req.Events)
		if err != nil {
			return nil, err
		}
		next.Events = events
	}
	if req.Secret != nil {
		if *req.Secret == "" {
			return nil, errs.Wrap(errs.Validation, ErrInvalid, "secret must not be empty")
		}
		next.Secret = *req.Secret
	}
	if req.Headers != nil {
		next.Headers = req.Headers
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	if req.RetryCount != nil {
		if *req.RetryCount < 0 {
			return nil, errs.Wrap(errs.Validation, ErrInvalid, "retry_count must not be negative")
		}
		next.RetryCount = *req.RetryCount
	}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return nil, errs.Wrap(errs.Validation, ErrInvalid, "timeout must be positive")
		}
		next.Timeout = *req.Timeout
	}
	if req.RateLimit != nil {
		if *req.RateLimit <= 0 {
			return nil, errs.Wrap(errs.Validation, ErrInvalid, "rate_limit must be positive")
		}
		next.RateLimit = *req.RateLimit
	}
	next.UpdatedAt = r.now().UTC()

	r.subs[id] = next
	if err := r.saveLocked(); err != nil {
		r.subs[id] = cur
		return nil, err
	}
	return next.clone(), nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.subs, id)
	if err := r.saveLocked(); err != nil {
		r.subs[id] = cur
		return err
	}
	r.logger.Info("webhook unregistered", "webhook_id", id)
	return nil
}

// Get returns a copy of one subscription.
func (r *Registry) Get(id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// List returns copies of every subscription, oldest first.
func (r *Registry) List() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(*Subscription) bool { return true })
}

// Matching returns enabled subscriptions for eventType.
func (r *Registry) Matching(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(s *Subscription) bool { return s.Enabled && s.Subscribes(eventType) })
}

func (r *Registry) sortedLocked(keep func(*Subscription) bool) []*Subscription {
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	f := fileFormat{Webhooks: r.sortedLocked(func(*Subscription) bool { return true })}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal webhook config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create webhook config dir: %w", err)
	}
	if err := storage.WriteFileAtomic(r.path, data, ".webhooks-*.tmp"); err != nil {
		return fmt.Errorf("save webhook config: %w", err)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errs.Wrap(errs.Validation, ErrInvalid, "url does not parse")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errs.Wrap(errs.Validation, ErrInvalid, "url scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return errs.Wrap(errs.Validation, ErrInvalid, "url host is required")
	}
	return nil
}

func normalizeEvents(events []string) ([]string, error) {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, errs.Wrap(errs.Validation, ErrInvalid, "at least one event type is required")
	}
	sort.Strings(out)
	return out, nil
}
