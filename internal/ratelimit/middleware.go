package ratelimit

import (
	"net"
	"net/http"
	"strconv"
)

// ClientIDHeader lets callers identify themselves; bypass entries are matched against it.
const ClientIDHeader = "X-Client-Id"

// DefaultExempt are liveness paths that are never limited.
var DefaultExempt = []string{"/health", "/healthz", "/metrics"}

// ClientKey returns the limiter key for r. X-Client-Id is honoured only when
// it names a bypass entry; everyone else is counted by remote IP.
func (l *Limiter) ClientKey(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" && l.Bypassed(id) {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. onReject, when non-nil,
// is called with the key of every rejected request.
func (l *Limiter) Middleware(exempt []string, onReject func(key string)) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := l.ClientKey(r)
			if !l.Allow(key) {
				if onReject != nil {
					onReject(key)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfterSeconds(key)))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
