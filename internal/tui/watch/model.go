package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	statusInterval    = 15 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch view.
type Model struct {
	client Client

	width  int
	height int

	health      HealthState
	agents      map[string]*AgentState
	tasks       map[string]*TaskState
	eventLog    []events.Event
	lastEventID int64

	taskTable table.Model
	ticker    Ticker
	spinner   Spinner
	theme     Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a watch model for the mcpd at baseURL.
func New(baseURL, token string) Model {
	return Model{
		client:    Client{BaseURL: baseURL, Token: token},
		agents:    make(map[string]*AgentState),
		tasks:     make(map[string]*TaskState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		taskTable: newTaskTable(),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

// Run starts the full-screen program and blocks until the user quits.
func Run(baseURL, token string) error {
	_, err := tea.NewProgram(New(baseURL, token), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchStatus(m.client),
		tickEvery(),
	)
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchHealth(m.client), fetchStatus(m.client))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.taskTable.SetWidth(m.width - 6)
		m.taskTable.SetHeight(max(m.height/3, 5))

	case tickMsg:
		now := time.Time(msg)
		m.ticker.Tick()
		m.spinner.Decay(now)
		m.refreshTable(now)
		return m, tickEvery()

	case eventMsg:
		e := events.Event(msg)
		m = m.applyEvent(e, time.Now())
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = healthStateFrom(coordinator.HealthReport(msg), time.Now())
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.client)() })

	case statusMsg:
		seedAgents(m.agents, msg.Agents)
		seedTasks(m.tasks, msg.Tasks)
		m.refreshTable(time.Now())
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return fetchStatus(m.client)() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, subscribeToEvents(m.client, m.lastEventID, m.hubEvents)

	case statusErrMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg { return fetchStatus(m.client)() })

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealth(m.client)() })
	}

	var cmd tea.Cmd
	m.taskTable, cmd = m.taskTable.Update(msg)
	return m, cmd
}

// applyEvent folds one streamed event into the view state.
func (m Model) applyEvent(e events.Event, now time.Time) Model {
	if e.ID > 0 && e.ID <= m.lastEventID {
		return m
	}
	if e.ID > 0 {
		m.lastEventID = e.ID
	}

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.spinner.OnEvent(now)
	updateTaskState(m.tasks, e, now)
	updateAgentState(m.agents, e, now)
	m.refreshTable(now)

	m.health.Connected = true
	m.lastError = ""
	return m
}

func (m *Model) refreshTable(now time.Time) {
	m.taskTable.SetRows(taskRows(orderedTasks(m.tasks), now))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to mcpd..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	agents := renderAgents(m.agents, m.theme, m.width)
	tasks := renderTasks(m.taskTable, countTasks(m.tasks), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width, 10)

	parts := []string{header, agents, tasks, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
