package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRun_SuccessAppendsProject(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "echo.sh", `echo "args:$*"`)
	d := New(AllowList{"status": {script, "status"}}, Options{WorkDir: dir})

	res := d.Run(context.Background(), Request{TaskID: "t1", Command: "status", Project: "CodingReviewer"})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 0, *res.ReturnCode)
	assert.Equal(t, "args:status CodingReviewer\n", res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestRun_ProjectIsASingleArgument(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "count.sh", `echo "$#"; echo "$2"`)
	d := New(AllowList{"status": {script, "status"}}, Options{WorkDir: dir})

	res := d.Run(context.Background(), Request{Command: "status", Project: "a b; rm -rf /"})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "2\na b; rm -rf /\n", res.Stdout)
}

func TestRun_NonZeroExitIsFailed(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", "echo broken >&2\nexit 3\n")
	d := New(AllowList{"fix": {script}}, Options{WorkDir: dir})

	res := d.Run(context.Background(), Request{Command: "fix"})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 3, *res.ReturnCode)
	assert.Equal(t, "broken\n", res.Stderr)
}

func TestRun_SpawnFailureIsError(t *testing.T) {
	d := New(AllowList{"ghost": {"/nonexistent/definitely-missing"}}, Options{})

	res := d.Run(context.Background(), Request{Command: "ghost"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Nil(t, res.ReturnCode)
	assert.Contains(t, res.Stderr, "start process")
}

func TestRun_UnknownCommandIsError(t *testing.T) {
	d := New(AllowList{}, Options{})

	res := d.Run(context.Background(), Request{Command: "rm"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Stderr, "command not allowed")
}

func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	dir := t.TempDir()
	// Ignores SIGTERM so the grace period must expire.
	script := writeScript(t, dir, "stubborn.sh", "trap '' TERM\necho started >&2\nwhile true; do sleep 0.05; done\n")
	d := New(AllowList{"analyze": {script}}, Options{
		WorkDir: dir,
		Timeout: 200 * time.Millisecond,
		Grace:   200 * time.Millisecond,
	})

	start := time.Now()
	res := d.Run(context.Background(), Request{Command: "analyze"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Nil(t, res.ReturnCode)
	assert.True(t, strings.HasPrefix(res.Stderr, "command timed out after 200ms"), res.Stderr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_ContextCancel(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "sleep.sh", "exec sleep 10\n")
	d := New(AllowList{"validate": {script}}, Options{WorkDir: dir, Grace: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := d.Run(ctx, Request{Command: "validate"})

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Stderr, "cancelled")
}

func TestRun_OutputIsTruncated(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "loud.sh", "head -c 50000 /dev/zero | tr '\\0' 'x'\nhead -c 50000 /dev/zero | tr '\\0' 'y' >&2\n")
	d := New(AllowList{"analyze-all": {script}}, Options{WorkDir: dir, OutputLimit: 8000})

	res := d.Run(context.Background(), Request{Command: "analyze-all"})

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Len(t, res.Stdout, 8000)
	assert.Len(t, res.Stderr, 8000)
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = b.Write([]byte("defg"))
	assert.Equal(t, 4, n, "writes always report full length")
	_, _ = b.Write([]byte("h"))
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.truncated)
}

func TestErrorText(t *testing.T) {
	assert.Equal(t, "boom", errorText("boom", "  ", 100))
	assert.Equal(t, "boom\npartial", errorText("boom", "partial\n", 100))
	assert.Equal(t, "bo", errorText("boom", "", 2))
}
