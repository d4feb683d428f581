package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcpd/internal/agent"
	"github.com/mattjoyce/mcpd/internal/events"
)

// AgentState tracks a registered agent.
type AgentState struct {
	ID           string
	Status       string
	QueueSize    int
	Capabilities []string
	LastSeen     time.Time
}

func seedAgents(agents map[string]*AgentState, snapshot []*agent.Record) {
	for id := range agents {
		delete(agents, id)
	}
	for _, r := range snapshot {
		agents[r.ID] = &AgentState{
			ID:           r.ID,
			Status:       string(r.Status),
			QueueSize:    r.QueueSize,
			Capabilities: append([]string(nil), r.Capabilities...),
			LastSeen:     r.LastSeen,
		}
	}
}

// updateAgentState applies agent_registered and agent_status_change events.
func updateAgentState(agents map[string]*AgentState, e events.Event, now time.Time) {
	if e.Type != events.AgentRegistered && e.Type != events.AgentStatusChange {
		return
	}
	var data struct {
		AgentID      string   `json:"agent_id"`
		Status       string   `json:"status"`
		QueueSize    *int     `json:"queue_size"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.AgentID == "" {
		return
	}

	a, ok := agents[data.AgentID]
	if !ok {
		a = &AgentState{ID: data.AgentID, Status: string(agent.StatusIdle)}
		agents[data.AgentID] = a
	}
	if data.Status != "" {
		a.Status = data.Status
	}
	if data.QueueSize != nil {
		a.QueueSize = *data.QueueSize
	}
	if data.Capabilities != nil {
		a.Capabilities = data.Capabilities
	}
	a.LastSeen = now
}

func renderAgents(agents map[string]*AgentState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(agents) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("AGENTS"),
			theme.Dim.Render("  No agents registered"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lines []string
	for _, id := range ids {
		a := agents[id]
		style := theme.StatusOK
		if a.Status == string(agent.StatusBusy) {
			style = theme.StatusRunning
		}
		seen := "-"
		if !a.LastSeen.IsZero() {
			seen = formatDuration(time.Since(a.LastSeen)) + " ago"
		}
		lines = append(lines, fmt.Sprintf("%-18s %s  queue %-3d %s  %s",
			truncate(a.ID, 18),
			style.Render(fmt.Sprintf("%-4s", a.Status)),
			a.QueueSize,
			theme.Dim.Render(seen),
			theme.Dim.Render(truncate(strings.Join(a.Capabilities, ","), 40)),
		))
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("AGENTS"),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
