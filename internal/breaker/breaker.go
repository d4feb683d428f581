// Package breaker implements per-dependency circuit breakers.
//
// A breaker starts closed. Failures are counted while closed and the breaker
// opens once the count reaches the threshold. While open every call fails
// fast with an *OpenError and the guarded function is never invoked. After
// the timeout elapses the next caller becomes the single half-open trial: its
// success closes the breaker, its failure re-opens it. Callers arriving while
// the trial is in flight are rejected as if the breaker were open.
package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/mcpd/internal/errs"
)

// State is the breaker position.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ErrOpen matches every *OpenError via errors.Is.
var ErrOpen = errs.New(errs.CircuitOpen, "circuit open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Status is a point-in-time view of a breaker.
type Status struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateHook registers a callback invoked after each state change, outside the lock.
func WithStateHook(fn func(name string, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one external dependency.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time
	onChange  func(name string, to State)

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	gen           uint64 // bumped every time the breaker opens
}

// New creates a closed breaker.
func New(name string, threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		state:     Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker rejects the call. A panic in fn counts
// as a failure before it continues unwinding.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	p, err := b.Allow()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.Record(p, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err = fn(ctx)
	b.Record(p, err)
	return err
}

// Permit is handed out by Allow and returned to Record with the outcome.
type Permit struct {
	gen   uint64
	trial bool
}

// Allow reserves permission for one call. Every successful Allow must be
// followed by exactly one Record with the returned Permit.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	var changed bool
	defer func() {
		b.mu.Unlock()
		if changed {
			b.notify(HalfOpen)
		}
	}()

	switch b.state {
	case Closed:
		return Permit{gen: b.gen}, nil
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.timeout {
			return Permit{}, &OpenError{Name: b.name, RetryAfter: b.timeout - elapsed}
		}
		b.state = HalfOpen
		b.trialInFlight = true
		changed = true
		return Permit{gen: b.gen, trial: true}, nil
	default:
		if b.trialInFlight {
			return Permit{}, &OpenError{Name: b.name}
		}
		b.trialInFlight = true
		return Permit{gen: b.gen, trial: true}, nil
	}
}

// Record reports the outcome of a call admitted by Allow. Outcomes of calls
// admitted before the breaker last opened are dropped.
func (b *Breaker) Record(p Permit, err error) {
	b.mu.Lock()
	if p.gen != b.gen {
		b.mu.Unlock()
		return
	}
	prev := b.state
	if p.trial {
		b.trialInFlight = false
	}
	switch {
	case err == nil && (b.state == Closed || p.trial):
		b.state = Closed
		b.failures = 0
	case err != nil:
		b.failures++
		b.lastFailure = b.now()
		if p.trial || b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.lastFailure
			b.gen++
		}
	}
	next := b.state
	b.mu.Unlock()

	if next != prev {
		b.notify(next)
	}
}

// Status returns a snapshot. An open breaker whose timeout has elapsed
// reports half_open.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{Name: b.name, State: b.state, FailureCount: b.failures}
	if b.state == Open && b.now().Sub(b.openedAt) >= b.timeout {
		st.State = HalfOpen
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailureTime = &t
	}
	return st
}

func (b *Breaker) notify(to State) {
	if b.onChange != nil {
		b.onChange(b.name, to)
	}
}

// Set holds independent breakers keyed by dependency name, created on first use.
type Set struct {
	threshold int
	timeout   time.Duration
	opts      []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty Set whose breakers share threshold, timeout and options.
func NewSet(threshold int, timeout time.Duration, opts ...Option) *Set {
	return &Set{
		threshold: threshold,
		timeout:   timeout,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.threshold, s.timeout, s.opts...)
		s.breakers[name] = b
	}
	return b
}

// Execute runs fn behind the named breaker.
func (s *Set) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return s.Get(name).Execute(ctx, fn)
}

// Snapshot returns every breaker status sorted by name.
func (s *Set) Snapshot() []Status {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
