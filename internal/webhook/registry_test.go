package webhook

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/errs"
)

func testDefaults() Defaults {
	return Defaults{RetryCount: DefaultRetryCount, Timeout: DefaultTimeout, RateLimit: DefaultRateLimit}
}

func intPtr(n int) *int { return &n }

func TestRegisterValidation(t *testing.T) {
	reg, err := OpenRegistry("", testDefaults(), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{name: "bad scheme", req: RegisterRequest{URL: "ftp://example.com", Events: []string{"task_completed"}}},
		{name: "no host", req: RegisterRequest{URL: "http://", Events: []string{"task_completed"}}},
		{name: "no events", req: RegisterRequest{URL: "https://example.com/hook"}},
		{name: "blank events", req: RegisterRequest{URL: "https://example.com/hook", Events: []string{" ", ""}}},
		{name: "negative retries", req: RegisterRequest{URL: "https://example.com/hook", Events: []string{"*"}, RetryCount: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
	assert.Empty(t, reg.List())
}

func TestRegisterDefaultsAndSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, err := OpenRegistry("", testDefaults(), func() time.Time { return now })
	require.NoError(t, err)

	sub, err := reg.Register(RegisterRequest{
		URL:    "https://example.com/hook",
		Events: []string{"task_failed", "task_completed", "task_failed"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sub.ID)
	assert.Len(t, sub.Secret, 32)
	assert.Equal(t, []string{"task_completed", "task_failed"}, sub.Events)
	assert.True(t, sub.Enabled)
	assert.Equal(t, DefaultRetryCount, sub.RetryCount)
	assert.Equal(t, DefaultTimeout, sub.Timeout.Std())
	assert.Equal(t, DefaultRateLimit, sub.RateLimit)
	assert.Equal(t, now, sub.CreatedAt)

	zero, err := reg.Register(RegisterRequest{URL: "http://localhost:9000", Events: []string{"*"}, RetryCount: intPtr(0), Secret: "s"})
	require.NoError(t, err)
	assert.Equal(t, 0, zero.RetryCount)
	assert.Equal(t, "s", zero.Secret)
	assert.Equal(t, "********", zero.Redacted().Secret)
}

func TestRegistryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "webhooks.json")
	reg, err := OpenRegistry(path, testDefaults(), nil)
	require.NoError(t, err)

	a, err := reg.Register(RegisterRequest{URL: "https://a.example.com", Events: []string{"*"}})
	require.NoError(t, err)
	b, err := reg.Register(RegisterRequest{URL: "https://b.example.com", Events: []string{"task_completed"}})
	require.NoError(t, err)

	_, err = reg.Update(b.ID, UpdateRequest{Enabled: new(bool)})
	require.NoError(t, err)

	reopened, err := OpenRegistry(path, testDefaults(), nil)
	require.NoError(t, err)
	subs := reopened.List()
	require.Len(t, subs, 2)

	got, err := reopened.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Secret, got.Secret)
	gotB, err := reopened.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.Enabled)

	require.NoError(t, reopened.Unregister(a.ID))
	_, err = reopened.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reopened.Unregister(a.ID), ErrNotFound)

	again, err := OpenRegistry(path, testDefaults(), nil)
	require.NoError(t, err)
	assert.Len(t, again.List(), 1)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

func TestOpenRegistryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := OpenRegistry(path, testDefaults(), nil)
	assert.Error(t, err)
}

func TestUpdateValidation(t *testing.T) {
	reg, _ := OpenRegistry("", testDefaults(), nil)
	sub, err := reg.Register(RegisterRequest{URL: "https://a.example.com", Events: []string{"*"}})
	require.NoError(t, err)

	bad := "mailto:x"
	_, err = reg.Update(sub.ID, UpdateRequest{URL: &bad})
	assert.ErrorIs(t, err, ErrInvalid)

	zero := 0
	_, err = reg.Update(sub.ID, UpdateRequest{RateLimit: &zero})
	assert.ErrorIs(t, err, ErrInvalid)

	empty := ""
	_, err = reg.Update(sub.ID, UpdateRequest{Secret: &empty})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = reg.Update("missing", UpdateRequest{})
	assert.ErrorIs(t, err, ErrNotFound)

	unchanged, _ := reg.Get(sub.ID)
	assert.Equal(t, sub.URL, unchanged.URL)
	assert.Equal(t, sub.RateLimit, unchanged.RateLimit)
}

func TestMatching(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg, _ := OpenRegistry("", testDefaults(), func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	all, _ := reg.Register(RegisterRequest{URL: "https://all.example.com", Events: []string{"*"}})
	done, _ := reg.Register(RegisterRequest{URL: "https://done.example.com", Events: []string{"task_completed"}})
	off, _ := reg.Register(RegisterRequest{URL: "https://off.example.com", Events: []string{"task_completed"}})
	_, err := reg.Update(off.ID, UpdateRequest{Enabled: new(bool)})
	require.NoError(t, err)

	ids := func(subs []*Subscription) []string {
		var out []string
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{all.ID, done.ID}, ids(reg.Matching("task_completed")))
	assert.Equal(t, []string{all.ID}, ids(reg.Matching("agent_registered")))
}
