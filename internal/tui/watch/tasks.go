package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcpd/internal/events"
	"github.com/mattjoyce/mcpd/internal/task"
)

const maxTrackedTasks = 200

// TaskState is the watch view of one task, built from /status and events.
type TaskState struct {
	ID         string
	Agent      string
	Command    string
	Project    string
	Status     string
	Retries    int
	ReturnCode *int
	CreatedAt  time.Time
	StartTime  time.Time
	EndTime    time.Time
	DeadLetter bool
}

func taskStateFrom(t *task.Task) *TaskState {
	ts := &TaskState{
		ID:         t.ID,
		Agent:      t.Agent,
		Command:    t.Command,
		Project:    t.Project,
		Status:     string(t.Status),
		Retries:    t.Retries,
		ReturnCode: t.ReturnCode,
		CreatedAt:  t.CreatedAt,
		DeadLetter: t.DeadLettered,
	}
	if t.StartedAt != nil {
		ts.StartTime = *t.StartedAt
	}
	if t.CompletedAt != nil {
		ts.EndTime = *t.CompletedAt
	}
	return ts
}

// seedTasks replaces the tracked set with a /status snapshot.
func seedTasks(tasks map[string]*TaskState, snapshot []*task.Task) {
	for id := range tasks {
		delete(tasks, id)
	}
	for _, t := range snapshot {
		tasks[t.ID] = taskStateFrom(t)
	}
	pruneTasks(tasks)
}

// updateTaskState applies one lifecycle event.
func updateTaskState(tasks map[string]*TaskState, e events.Event, now time.Time) {
	var data struct {
		TaskID     string `json:"task_id"`
		Agent      string `json:"agent"`
		Command    string `json:"command"`
		Project    string `json:"project"`
		Status     string `json:"status"`
		Retries    int    `json:"retries"`
		ReturnCode *int   `json:"return_code"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.TaskID == "" {
		return
	}

	if e.Type == events.TaskRemoved {
		delete(tasks, data.TaskID)
		return
	}

	ts, ok := tasks[data.TaskID]
	if !ok {
		ts = &TaskState{ID: data.TaskID, CreatedAt: now}
		tasks[data.TaskID] = ts
	}
	if data.Agent != "" {
		ts.Agent = data.Agent
	}
	if data.Command != "" {
		ts.Command = data.Command
	}
	if data.Project != "" {
		ts.Project = data.Project
	}
	if data.Status != "" {
		ts.Status = data.Status
	}
	ts.Retries = data.Retries
	if data.ReturnCode != nil {
		ts.ReturnCode = data.ReturnCode
	}

	switch e.Type {
	case events.TaskStarted:
		ts.StartTime = now
		ts.EndTime = time.Time{}
	case events.TaskCompleted:
		ts.EndTime = now
	case events.TaskRetried:
		ts.StartTime, ts.EndTime = time.Time{}, time.Time{}
	case events.TaskDeadLettered:
		ts.DeadLetter = true
	}
	pruneTasks(tasks)
}

// pruneTasks drops the oldest finished tasks past maxTrackedTasks.
func pruneTasks(tasks map[string]*TaskState) {
	if len(tasks) <= maxTrackedTasks {
		return
	}
	var finished []*TaskState
	for _, t := range tasks {
		if task.Status(t.Status).Terminal() {
			finished = append(finished, t)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].CreatedAt.Before(finished[j].CreatedAt) })
	for _, t := range finished {
		if len(tasks) <= maxTrackedTasks {
			return
		}
		delete(tasks, t.ID)
	}
}

// orderedTasks lists active tasks first, then the rest newest first.
func orderedTasks(tasks map[string]*TaskState) []*TaskState {
	out := make([]*TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := statusRank(out[i].Status), statusRank(out[j].Status)
		if ai != aj {
			return ai < aj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func statusRank(s string) int {
	switch task.Status(s) {
	case task.StatusRunning:
		return 0
	case task.StatusQueued:
		return 1
	default:
		return 2
	}
}

func newTaskTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Task", Width: 10},
			{Title: "Agent", Width: 14},
			{Title: "Command", Width: 22},
			{Title: "Status", Width: 8},
			{Title: "Try", Width: 3},
			{Title: "Time", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func taskRows(tasks []*TaskState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			statusIcon(t),
			id,
			t.Agent,
			t.Command,
			t.Status,
			fmt.Sprint(t.Retries),
			taskDuration(t, now),
		})
	}
	return rows
}

func statusIcon(t *TaskState) string {
	if t.DeadLetter {
		return "☠"
	}
	switch task.Status(t.Status) {
	case task.StatusRunning:
		return "▶"
	case task.StatusQueued:
		return "…"
	case task.StatusSuccess:
		return "✓"
	case task.StatusFailed, task.StatusError:
		return "✗"
	}
	return "?"
}

func taskDuration(t *TaskState, now time.Time) string {
	if t.StartTime.IsZero() {
		if t.Status == string(task.StatusQueued) && !t.CreatedAt.IsZero() {
			return formatDuration(now.Sub(t.CreatedAt))
		}
		return "-"
	}
	end := t.EndTime
	if end.IsZero() {
		end = now
	}
	return formatDuration(end.Sub(t.StartTime))
}

func renderTasks(tbl table.Model, counts map[task.Status]int, theme Theme, width int) string {
	innerWidth := width - 4
	summary := fmt.Sprintf(" %s %d  %s %d  %s %d  %s %d",
		theme.StatusQueued.Render("queued"), counts[task.StatusQueued],
		theme.StatusRunning.Render("running"), counts[task.StatusRunning],
		theme.StatusOK.Render("success"), counts[task.StatusSuccess],
		theme.StatusFailed.Render("failed"), counts[task.StatusFailed]+counts[task.StatusError],
	)
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS"),
		summary,
		tbl.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

// countTasks tallies the tracked tasks by status.
func countTasks(tasks map[string]*TaskState) map[task.Status]int {
	counts := make(map[task.Status]int)
	for _, t := range tasks {
		counts[task.Status(t.Status)]++
	}
	return counts
}
