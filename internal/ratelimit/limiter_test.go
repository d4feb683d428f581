package ratelimit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func TestAllowsMaxThenRejects(t *testing.T) {
	c := newClock()
	l := New(60*time.Second, 2, WithClock(c.Now))

	assert.True(t, l.Allow("10.0.0.5"))
	assert.True(t, l.Allow("10.0.0.5"))
	assert.False(t, l.Allow("10.0.0.5"))
	assert.True(t, l.Allow("10.0.0.6"), "keys are independent")
}

func TestWindowSlides(t *testing.T) {
	c := newClock()
	l := New(60*time.Second, 2, WithClock(c.Now))

	assert.True(t, l.Allow("k"))
	c.Advance(30 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	c.Advance(31 * time.Second)
	assert.True(t, l.Allow("k"), "first request left the window")
	assert.False(t, l.Allow("k"))
	assert.Equal(t, 29*time.Second, l.RetryAfter("k"))
}

func TestBypassNeverLimited(t *testing.T) {
	l := New(60*time.Second, 2, WithBypass("ci-runner"))
	for i := 0; i < 1000; i++ {
		if !l.Allow("ci-runner") {
			t.Fatalf("bypass identifier rejected at request %d", i)
		}
	}
	assert.Equal(t, 0, l.Len())
}

func TestAllowLimitPerKeyQuota(t *testing.T) {
	l := New(time.Minute, 100)
	assert.True(t, l.AllowLimit("wh-1", 1))
	assert.False(t, l.AllowLimit("wh-1", 1))
}

func TestEvict(t *testing.T) {
	c := newClock()
	l := New(10*time.Second, 5, WithClock(c.Now))
	l.Allow("old")
	c.Advance(11 * time.Second)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Evict())
	assert.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	l := New(time.Minute, 2, WithBypass("trusted"))
	var rejected []string
	h := l.Middleware(DefaultExempt, func(key string) { rejected = append(rejected, key) })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	do := func(path, clientID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.1:4321"
		if clientID != "" {
			req.Header.Set(ClientIDHeader, clientID)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, do("/status", "").Code)
	assert.Equal(t, http.StatusOK, do("/status", "").Code)
	rr := do("/status", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limited","message":"too many requests"}`, rr.Body.String())
	assert.Equal(t, []string{"192.0.2.1"}, rejected)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, do("/health", "").Code, "health is exempt")
		assert.Equal(t, http.StatusOK, do("/status", "trusted").Code, fmt.Sprintf("bypass request %d", i))
	}
}

func TestClientKeyFallsBackToRawRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", New(time.Minute, 2).ClientKey(req))
}

func TestRotatingClientIDsShareRemoteIPBudget(t *testing.T) {
	l := New(time.Minute, 2, WithBypass("trusted"))
	h := l.Middleware(DefaultExempt, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = "198.51.100.7:5000"
		req.Header.Set(ClientIDHeader, fmt.Sprintf("rotating-%d", i))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{
		http.StatusOK, http.StatusOK,
		http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "198.51.100.7:5000"
	req.Header.Set(ClientIDHeader, "unknown")
	assert.Equal(t, "198.51.100.7", l.ClientKey(req))
	req.Header.Set(ClientIDHeader, "trusted")
	assert.Equal(t, "trusted", l.ClientKey(req))
}
