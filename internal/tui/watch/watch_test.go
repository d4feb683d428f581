package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/events"
	"github.com/mattjoyce/mcpd/internal/task"
)

func event(id int64, typ string, data map[string]any) events.Event {
	raw, _ := json.Marshal(data)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: raw}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: task_created",
		`data: {"task_id":"t1","status":"queued"}`,
		"",
		"id: 8",
		"event: task_started",
		`data: {"task_id":"t1",`,
		`data: "status":"running"}`,
		"",
	}, "\n")

	var got []events.Event
	require.NoError(t, readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) }))
	require.Len(t, got, 2)

	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TaskCreated, got[0].Type)
	assert.JSONEq(t, `{"task_id":"t1","status":"queued"}`, string(got[0].Data))

	assert.Equal(t, int64(8), got[1].ID)
	assert.JSONEq(t, `{"task_id":"t1","status":"running"}`, string(got[1].Data))
}

func TestUpdateTaskStateLifecycle(t *testing.T) {
	tasks := map[string]*TaskState{}
	now := time.Now()

	updateTaskState(tasks, event(1, events.TaskCreated, map[string]any{
		"task_id": "t1", "agent": "a1", "command": "ci-check", "status": "queued",
	}), now)
	require.Contains(t, tasks, "t1")
	assert.Equal(t, "queued", tasks["t1"].Status)

	updateTaskState(tasks, event(2, events.TaskStarted, map[string]any{"task_id": "t1", "status": "running"}), now.Add(time.Second))
	assert.Equal(t, "running", tasks["t1"].Status)
	assert.Equal(t, "ci-check", tasks["t1"].Command, "later events keep earlier fields")
	assert.False(t, tasks["t1"].StartTime.IsZero())

	updateTaskState(tasks, event(3, events.TaskCompleted, map[string]any{
		"task_id": "t1", "status": "failed", "return_code": 2, "retries": 3,
	}), now.Add(3*time.Second))
	updateTaskState(tasks, event(4, events.TaskDeadLettered, map[string]any{"task_id": "t1", "status": "failed", "retries": 3}), now.Add(3*time.Second))
	ts := tasks["t1"]
	require.NotNil(t, ts.ReturnCode)
	assert.Equal(t, 2, *ts.ReturnCode)
	assert.True(t, ts.DeadLetter)
	assert.Equal(t, "☠", statusIcon(ts))
	assert.Equal(t, "2s", taskDuration(ts, now.Add(time.Hour)))

	updateTaskState(tasks, event(5, events.TaskRemoved, map[string]any{"task_id": "t1"}), now)
	assert.Empty(t, tasks)
}

func TestUpdateTaskStateIgnoresForeignEvents(t *testing.T) {
	tasks := map[string]*TaskState{}
	updateTaskState(tasks, event(1, events.AgentRegistered, map[string]any{"agent_id": "a1"}), time.Now())
	assert.Empty(t, tasks)
}

func TestPruneTasksKeepsActive(t *testing.T) {
	tasks := map[string]*TaskState{}
	base := time.Now()
	for i := range maxTrackedTasks + 10 {
		id := fmt.Sprintf("done-%03d", i)
		tasks[id] = &TaskState{ID: id, Status: string(task.StatusSuccess), CreatedAt: base.Add(time.Duration(i) * time.Second)}
	}
	tasks["live"] = &TaskState{ID: "live", Status: string(task.StatusRunning), CreatedAt: base.Add(-time.Hour)}

	pruneTasks(tasks)
	assert.Len(t, tasks, maxTrackedTasks)
	assert.Contains(t, tasks, "live")
}

func TestOrderedTasks(t *testing.T) {
	now := time.Now()
	tasks := map[string]*TaskState{
		"old-done": {ID: "old-done", Status: "success", CreatedAt: now.Add(-2 * time.Minute)},
		"new-done": {ID: "new-done", Status: "failed", CreatedAt: now},
		"queued":   {ID: "queued", Status: "queued", CreatedAt: now},
		"running":  {ID: "running", Status: "running", CreatedAt: now.Add(-time.Hour)},
	}
	var ids []string
	for _, ts := range orderedTasks(tasks) {
		ids = append(ids, ts.ID)
	}
	assert.Equal(t, []string{"running", "queued", "new-done", "old-done"}, ids)
}

func TestUpdateAgentState(t *testing.T) {
	agents := map[string]*AgentState{}
	now := time.Now()

	updateAgentState(agents, event(1, events.AgentRegistered, map[string]any{
		"agent_id": "a1", "status": "idle", "capabilities": []string{"ci-check"},
	}), now)
	updateAgentState(agents, event(2, events.AgentStatusChange, map[string]any{
		"agent_id": "a1", "status": "busy", "previous": "idle", "queue_size": 2,
	}), now)

	require.Contains(t, agents, "a1")
	assert.Equal(t, "busy", agents["a1"].Status)
	assert.Equal(t, 2, agents["a1"].QueueSize)
	assert.Equal(t, []string{"ci-check"}, agents["a1"].Capabilities)
}

func TestApplyEventSkipsReplayedIDs(t *testing.T) {
	m := New("http://localhost:5005", "")
	m = m.applyEvent(event(3, events.TaskCreated, map[string]any{"task_id": "t1", "status": "queued"}), time.Now())
	m = m.applyEvent(event(3, events.TaskCreated, map[string]any{"task_id": "t1", "status": "queued"}), time.Now())
	m = m.applyEvent(event(2, events.TaskCreated, map[string]any{"task_id": "t0", "status": "queued"}), time.Now())

	assert.Len(t, m.eventLog, 1)
	assert.Equal(t, int64(3), m.lastEventID)
	assert.Len(t, m.taskTable.Rows(), 1)
	assert.True(t, m.health.Connected)
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	now := time.Now()
	s.OnEvent(now)
	s.Decay(now.Add(3 * time.Second))
	assert.Equal(t, 4, s.dots)
	s.Decay(now.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}

func TestDescribeEvent(t *testing.T) {
	e := event(1, events.TaskFailed, map[string]any{
		"task_id": "0123456789abcdef", "agent": "a1", "command": "fix", "status": "error", "reason": "exec timeout",
	})
	assert.Equal(t, "[01234567] a1 fix error (exec timeout)", describeEvent(e))
}

func TestFetchHealthAcceptsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(coordinator.HealthReport{Status: coordinator.HealthUnavailable, Service: "mcpd"})
	}))
	defer srv.Close()

	msg := fetchHealth(Client{BaseURL: srv.URL, Token: "tok"})()
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, coordinator.HealthUnavailable, h.Status)
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	msg := fetchStatus(Client{BaseURL: srv.URL})()
	_, ok := msg.(statusErrMsg)
	assert.True(t, ok, "got %T", msg)
}
