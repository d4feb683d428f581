package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/errs"
)

func TestRegisterNormalizesCapabilities(t *testing.T) {
	r := NewRegistry(nil)

	rec, err := r.Register(" a1 ", []string{"fix", "analyze", "fix", " "})
	require.NoError(t, err)
	assert.Equal(t, "a1", rec.ID)
	assert.Equal(t, []string{"analyze", "fix"}, rec.Capabilities)
	assert.Equal(t, StatusIdle, rec.Status)
	assert.True(t, rec.HasCapability("fix"))
	assert.False(t, rec.HasCapability("deploy"))

	_, err = r.Register("", nil)
	assert.ErrorIs(t, err, errs.Validation)
}

func TestAssignRelease(t *testing.T) {
	r := NewRegistry(nil)
	r.Assign("a1")
	r.Assign("a1")

	rec, ok := r.Get("a1")
	require.True(t, ok, "assign registers unknown agents")
	assert.Equal(t, 2, rec.QueueSize)
	assert.Equal(t, StatusBusy, rec.Status)

	r.Release("a1")
	r.Release("a1")
	r.Release("a1")
	rec, _ = r.Get("a1")
	assert.Equal(t, 0, rec.QueueSize)
	assert.Equal(t, StatusIdle, rec.Status)

	pid := 4242
	r.SetPID("a1", &pid)
	rec, _ = r.Get("a1")
	require.NotNil(t, rec.PID)
	assert.Equal(t, 4242, *rec.PID)
}

func TestHeartbeat(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(func() time.Time { return now })
	_, _ = r.Register("ctl", nil)

	now = now.Add(time.Minute)
	c, err := r.Heartbeat("ctl", "CodingReviewer")
	require.NoError(t, err)
	assert.Equal(t, now, c.LastHeartbeat)

	rec, _ := r.Get("ctl")
	assert.Equal(t, now, rec.LastSeen)
	require.Len(t, r.Controllers(), 1)
	assert.Equal(t, "CodingReviewer", r.Controllers()[0].Project)

	_, err = r.Heartbeat("", "x")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBestPrefersShortQueueAndSkipsStale(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(func() time.Time { return now })

	_, _ = r.Register("stale", []string{"fix"})
	now = now.Add(20 * time.Minute)
	_, _ = r.Register("busy", []string{"fix"})
	_, _ = r.Register("idle", []string{"fix"})
	_, _ = r.Register("other", []string{"deploy"})
	r.Assign("busy")

	best, ok := r.Best("fix")
	require.True(t, ok)
	assert.Equal(t, "idle", best.ID)

	r.Assign("idle")
	r.Assign("idle")
	best, _ = r.Best("fix")
	assert.Equal(t, "busy", best.ID)

	_, ok = r.Best("nobody-has-this")
	assert.False(t, ok)
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(nil)
	_, _ = r.Register("b", nil)
	_, _ = r.Register("a", nil)
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
}
