package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcpd/internal/breaker"
	"github.com/mattjoyce/mcpd/internal/coordinator"
)

// HealthState tracks service health from /health polling.
type HealthState struct {
	Status         string
	Service        string
	UptimeSeconds  int64
	Running        int64
	WebhookQueue   int
	PendingRetries int
	PluginsLoaded  int
	OpenBreakers   []string
	Connected      bool
	LastCheck      time.Time
}

func healthStateFrom(h coordinator.HealthReport, now time.Time) HealthState {
	hs := HealthState{
		Status:        h.Status,
		Service:       h.Service,
		UptimeSeconds: h.UptimeSeconds,
		Running:       h.Running,
		PluginsLoaded: len(h.Plugins),
		Connected:     true,
		LastCheck:     now,
	}
	if h.Webhooks != nil {
		hs.WebhookQueue = h.Webhooks.QueueDepth
		hs.PendingRetries = h.Webhooks.PendingRetries
	}
	for _, b := range h.Breakers {
		if b.State != breaker.Closed {
			hs.OpenBreakers = append(hs.OpenBreakers, fmt.Sprintf("%s:%s", b.Name, b.State))
		}
	}
	return hs
}

func renderHeader(health HealthState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	case health.Status == coordinator.HealthUnavailable:
		statusText = theme.StatusFailed.Render("UNAVAILABLE")
		statusIcon = "⛔"
	case health.Status == coordinator.HealthDegraded:
		statusText = theme.StatusRunning.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(spinner.LastEvent()).Round(time.Second))
	}

	name := strings.ToUpper(health.Service)
	if name == "" {
		name = "MCPD"
	}
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" %s WATCH %s", name, tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Running: %d  Webhooks: %d queued / %d retrying  Plugins: %d",
		statusIcon, statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.Running,
		health.WebhookQueue,
		health.PendingRetries,
		health.PluginsLoaded,
	)

	lines := []string{titleLine, statsLine}
	if len(health.OpenBreakers) > 0 {
		lines = append(lines, " Breakers: "+theme.StatusFailed.Render(strings.Join(health.OpenBreakers, " ")))
	}
	lines = append(lines, fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme)))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
