// Package ratelimit provides a sliding-window request limiter keyed by client
// identifier. State is in memory only and starts empty on every process start.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter tracks request timestamps per key inside a fixed-length window.
type Limiter struct {
	window  time.Duration
	max     int
	bypass  map[string]struct{}
	nowFunc func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = now }
}

// WithBypass adds identifiers that are never limited.
func WithBypass(ids ...string) Option {
	return func(l *Limiter) {
		for _, id := range ids {
			l.bypass[id] = struct{}{}
		}
	}
}

// New creates a limiter allowing max requests per window for each key.
func New(window time.Duration, max int, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		window:  window,
		max:     max,
		bypass:  make(map[string]struct{}),
		nowFunc: time.Now,
		buckets: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Bypassed reports whether key is on the bypass list.
func (l *Limiter) Bypassed(key string) bool {
	_, ok := l.bypass[key]
	return ok
}

// Allow records a request for key and reports whether it fits the default limit.
func (l *Limiter) Allow(key string) bool {
	return l.AllowLimit(key, l.max)
}

// AllowLimit is Allow with a per-call limit, for callers whose keys carry their own quota.
// Rejected requests are not recorded.
func (l *Limiter) AllowLimit(key string, max int) bool {
	if l.Bypassed(key) {
		return true
	}

	now := l.nowFunc()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := prune(l.buckets[key], cutoff)
	if len(stamps) >= max {
		l.buckets[key] = stamps
		return false
	}
	l.buckets[key] = append(stamps, now)
	return true
}

// RetryAfter returns how long until key can make another request.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamps := l.buckets[key]
	if len(stamps) == 0 {
		return 0
	}
	d := stamps[0].Add(l.window).Sub(l.nowFunc())
	if d < 0 {
		return 0
	}
	return d
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (l *Limiter) RetryAfterSeconds(key string) int {
	secs := int(math.Ceil(l.RetryAfter(key).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Evict drops keys with no request inside the window. Returns the number removed.
func (l *Limiter) Evict() int {
	cutoff := l.nowFunc().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, stamps := range l.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// prune drops timestamps at or before cutoff; stamps are in ascending order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}
