package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", New(Validation, "agent is required"), http.StatusBadRequest},
		{"command", New(CommandNotAllowed, "rm not allowed"), http.StatusForbidden},
		{"not found", New(NotFound, "task x"), http.StatusNotFound},
		{"conflict", New(Conflict, "not queued"), http.StatusConflict},
		{"rate limited", New(RateLimited, "slow down"), http.StatusTooManyRequests},
		{"circuit open", New(CircuitOpen, "ai_backend"), http.StatusServiceUnavailable},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
		{"bare kind", NotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrappedSentinelKeepsKind(t *testing.T) {
	sentinel := New(Conflict, "task is not queued")
	err := fmt.Errorf("begin %s: %w", "t-1", sentinel)

	if !errors.Is(err, sentinel) {
		t.Fatal("wrapped error does not match its sentinel")
	}
	if !errors.Is(err, Conflict) {
		t.Fatal("wrapped error does not match its kind")
	}
	if errors.Is(err, NotFound) {
		t.Fatal("wrapped error matches an unrelated kind")
	}
	if got := KindOf(err); got != Conflict {
		t.Fatalf("KindOf = %v, want %v", got, Conflict)
	}
	if got := HTTPStatus(err); got != http.StatusConflict {
		t.Fatalf("HTTPStatus = %d, want %d", got, http.StatusConflict)
	}
}

func TestWrapMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Internal, cause, "persist task")

	if got := err.Error(); got != "persist task: disk full" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause lost by Wrap")
	}
	if got := Wrap(Internal, cause, "").Error(); got != "disk full" {
		t.Fatalf("Wrap without message = %q", got)
	}
}
