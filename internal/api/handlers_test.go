package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/config"
	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/coordinator/mocks"
	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/events"
	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/metrics"
	"github.com/mattjoyce/mcpd/internal/plugin"
	"github.com/mattjoyce/mcpd/internal/ratelimit"
	"github.com/mattjoyce/mcpd/internal/task"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

const testToken = "s3cret-token"

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fixture struct {
	handler  http.Handler
	coord    *coordinator.Coordinator
	runner   *mocks.MockRunner
	tasksDir string
}

type fixtureOpts struct {
	token       string
	maxRequests int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Tasks.PickerEnabled = false
	cfg.Tasks.CleanupSchedule = ""
	cfg.Tasks.MaxRetries = 0

	tasksDir := filepath.Join(dir, "tasks")
	store, err := task.NewFileStore(tasksDir, log.WithComponent("test"))
	require.NoError(t, err)
	allow := dispatch.DefaultAllowList()
	tasks := task.NewManager(store, nil, allow, task.Options{})

	reg, err := webhook.OpenRegistry(filepath.Join(dir, "webhooks.json"), webhook.Defaults{}, nil)
	require.NoError(t, err)
	dlog, err := webhook.OpenDeliveryLog(filepath.Join(dir, "deliveries.jsonl"))
	require.NoError(t, err)

	maxRequests := opts.maxRequests
	if maxRequests == 0 {
		maxRequests = 1000
	}

	runner := mocks.NewMockRunner(ctrl)
	coord, err := coordinator.New(coordinator.Deps{
		Config:    cfg,
		Tasks:     tasks,
		Agents:    agent.NewRegistry(nil),
		Runner:    runner,
		AllowList: allow,
		Plugins:   plugin.NewManager(plugin.Options{}),
		Webhooks:  webhook.NewService(reg, dlog, webhook.Options{Workers: 1}),
		Limiter:   ratelimit.New(time.Minute, maxRequests),
		Metrics:   metrics.New(),
		Hub:       events.NewHub(0),
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		_ = coord.Shutdown(context.Background())
		_ = dlog.Close()
	})

	srv := New(Config{Token: opts.token}, coord, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{handler: srv.Handler(), coord: coord, runner: runner, tasksDir: tasksDir}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	for _, path := range []string{"/health", "/healthz"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	}

	require.NoError(t, os.RemoveAll(f.tasksDir))
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decodeBody(t, rec)["status"])
}

func TestRunQueuesTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodPost, "/run", map[string]any{"agent": "a1", "command": "status"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["queued"])
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, 1, list.Counts[task.StatusQueued])

	rec = f.do(t, http.MethodGet, "/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "not allowed", body: map[string]any{"agent": "a1", "command": "rm"}, status: http.StatusForbidden, code: "command_not_allowed"},
		{name: "missing agent", body: map[string]any{"command": "status"}, status: http.StatusBadRequest, code: "validation_error"},
		{name: "malformed", body: "{not json", status: http.StatusBadRequest, code: "validation_error"},
		{name: "empty", body: "", status: http.StatusBadRequest, code: "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/run", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
			if tt.status == http.StatusForbidden {
				assert.Contains(t, body["allowed"], "status")
			}
		})
	}
}

func TestExecuteTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	release := make(chan struct{})
	rc := 0
	f.runner.EXPECT().
		Run(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, dispatch.Request) dispatch.Result {
			<-release
			return dispatch.Result{Outcome: dispatch.OutcomeSuccess, ReturnCode: &rc}
		})
	defer close(release)

	rec := f.do(t, http.MethodPost, "/run", map[string]any{"agent": "a1", "command": "status"})
	id := decodeBody(t, rec)["task_id"].(string)

	rec = f.do(t, http.MethodPost, "/execute_task", map[string]any{"task_id": id})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "running", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/execute_task", map[string]any{"task_id": id})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/execute_task", map[string]any{"task_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/execute_task", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFleetEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodPost, "/register", map[string]any{"agent": "a1", "capabilities": []string{"status", "fix"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a1", decodeBody(t, rec)["registered"])

	rec = f.do(t, http.MethodPost, "/heartbeat", map[string]any{"agent": "ctl-1", "project": "demo"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/controllers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ctl ControllersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ctl))
	require.Len(t, ctl.Controllers, 1)
	assert.Equal(t, "demo", ctl.Controllers[0].Project)

	rec = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st coordinator.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Len(t, st.Agents, 1)
	assert.Equal(t, []string{"fix", "status"}, st.Agents[0].Capabilities)

	rec = f.do(t, http.MethodPost, "/suggest", map[string]any{"text": "please fix the broken build"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sug := decodeBody(t, rec)
	assert.Equal(t, "fix", sug["command"])
	assert.Equal(t, "a1", sug["agent"])

	rec = f.do(t, http.MethodPost, "/suggest", map[string]any{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookManagementRequiresToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{token: testToken})
	auth := []string{"Authorization", "Bearer " + testToken}

	rec := f.do(t, http.MethodGet, "/webhooks", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodGet, "/webhooks", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks", map[string]any{
		"url":    "https://example.test/hook",
		"events": []string{"task_completed"},
		"secret": "abc",
	}, auth...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	id := created["webhook_id"].(string)
	assert.Equal(t, "abc", created["webhook"].(map[string]any)["secret"])

	rec = f.do(t, http.MethodGet, "/webhooks", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	var list WebhookListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Webhooks, 1)
	assert.Equal(t, "********", list.Webhooks[0].Secret)

	rec = f.do(t, http.MethodPatch, "/webhooks/"+id, map[string]any{"enabled": false}, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decodeBody(t, rec)["enabled"])

	rec = f.do(t, http.MethodGet, "/webhooks/stats", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["webhooks"])

	rec = f.do(t, http.MethodGet, "/webhooks/"+id+"/deliveries", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/webhooks/"+id, nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/webhooks/"+id, nil, auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/webhooks", map[string]any{"url": "ftp://x", "events": []string{"task_completed"}}, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Public routes stay open.
	rec = f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetryEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodPost, "/run", map[string]any{"agent": "a1", "command": "status"})
	id := decodeBody(t, rec)["task_id"].(string)

	rec = f.do(t, http.MethodPost, "/tasks/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/dead_letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["dead_letters"])
}

func TestPluginsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := f.do(t, http.MethodGet, "/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["plugins"])

	rec = f.do(t, http.MethodPost, "/plugins/ghost/enable", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitExemptsHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxRequests: 2})

	for range 2 {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/status", nil).Code)
	}
	rec := f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcpd_rate_limited_total 1")
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	f.coord.Hub().Publish(events.TaskCreated, map[string]any{"task_id": "early"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go f.coord.Hub().Publish(events.TaskStarted, map[string]any{"task_id": "late"})

	var seen []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
			if name == events.TaskStarted {
				break
			}
		}
	}
	assert.Equal(t, []string{events.TaskCreated, events.TaskStarted}, seen)
}

func TestLastEventID(t *testing.T) {
	req := func(header, query string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/events"+query, nil)
		if header != "" {
			r.Header.Set("Last-Event-ID", header)
		}
		return r
	}
	assert.Equal(t, int64(0), lastEventID(req("", "")))
	assert.Equal(t, int64(0), lastEventID(req("-4", "")))
	assert.Equal(t, int64(0), lastEventID(req("x", "")))
	assert.Equal(t, int64(42), lastEventID(req("42", "?last_event_id=7")))
	assert.Equal(t, int64(7), lastEventID(req("", "?last_event_id=7")))
}

func TestSSEStreamSkipsSeen(t *testing.T) {
	var buf bytes.Buffer
	stream := &sseStream{w: &buf, flush: func() {}, lastID: 2}
	require.NoError(t, stream.send(events.Event{ID: 2, Type: events.TaskCreated, Data: []byte(`{}`)}))
	require.NoError(t, stream.send(events.Event{ID: 3, Type: events.TaskStarted, Data: []byte(`{"task_id":"t"}`)}))
	assert.Equal(t, "id: 3\nevent: task_started\ndata: {\"task_id\":\"t\"}\n\n", buf.String())
	assert.Equal(t, int64(3), stream.lastID)
}
