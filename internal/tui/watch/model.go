package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taquila123/remix-plugin/internal/api"
	"github.com/taquila123/remix-plugin/internal/connection"
	"github.com/taquila123/remix-plugin/internal/host"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health      healthMsg
	connected   bool
	lastCheck   time.Time
	connections []host.Status
	eventLog    []api.Event
	deadLetters int

	theme     Theme
	connTable table.Model
	lastError string

	hubEvents chan api.Event
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Plugin", Width: 16},
			{Title: "State", Width: 20},
			{Title: "Queue", Width: 6},
			{Title: "URL", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
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

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		hubEvents: make(chan api.Event, 100),
		theme:     NewDefaultTheme(),
		connTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchConnections(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.connTable, cmd = m.connTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := api.Event(msg)

		// Newest first.
		m.eventLog = append([]api.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		if e.Type == host.EventDeadLetter {
			m.deadLetters++
		}
		m.connected = true
		m.lastError = ""

		// Connection events change the table; refresh it.
		if e.Type == host.EventConnectionRendered || e.Type == host.EventConnectionDeactivated {
			return m, tea.Batch(
				receiveNextEvent(m.hubEvents),
				func() tea.Msg { return fetchConnections(m.apiURL, m.apiKey) },
			)
		}
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.connected = true
		m.lastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case connectionsMsg:
		m.connections = msg
		rows := make([]table.Row, 0, len(msg))
		for _, c := range msg {
			rows = append(rows, table.Row{
				c.Plugin,
				m.styleForState(c.State).Render(string(c.State)),
				fmt.Sprintf("%d", c.QueueDepth),
				c.URL,
			})
		}
		m.connTable.SetRows(rows)

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := m.renderHeader()
	connections := m.renderConnections()
	eventStream := m.renderEvents()

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate Connections")

	parts := []string{header, connections, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	innerWidth := m.width - 4

	statusText := m.theme.StatusOK.Render("HEALTHY")
	if !m.connected {
		statusText = m.theme.StatusFailed.Render("CONNECTING")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		statusText = m.theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(m.health.UptimeSeconds) * time.Second)
	clock := m.theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := " REMIX HOST WATCH"

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Connections: %d/%d  Dead letters: %d",
		statusText, uptime, m.health.Connected, m.health.Connections, m.deadLetters)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine)
	return m.theme.Border.Width(innerWidth).Render(content)
}

func (m Model) renderConnections() string {
	innerWidth := m.width - 4

	var b strings.Builder
	b.WriteString(m.theme.Header.Render(" CONNECTIONS") + "\n")
	if len(m.connections) == 0 {
		b.WriteString(m.theme.Dim.Render("  no connections"))
	} else {
		b.WriteString(m.connTable.View())
	}
	return m.theme.Border.Width(innerWidth).Render(b.String())
}

func (m Model) renderEvents() string {
	innerWidth := m.width - 4

	maxRows := m.height - 16
	if maxRows < 3 {
		maxRows = 3
	}

	var b strings.Builder
	b.WriteString(m.theme.Header.Render(" EVENTS") + "\n")
	if len(m.eventLog) == 0 {
		b.WriteString(m.theme.Dim.Render("  waiting for events..."))
	}
	for i, ev := range m.eventLog {
		if i >= maxRows {
			break
		}
		at := m.theme.Dim.Render(ev.At.Format("15:04:05"))
		b.WriteString(fmt.Sprintf("  %s %s %s", at, m.theme.Highlight.Render(ev.Type), string(ev.Data)))
		if i < len(m.eventLog)-1 && i < maxRows-1 {
			b.WriteString("\n")
		}
	}
	return m.theme.Border.Width(innerWidth).Render(b.String())
}

func (m Model) styleForState(s connection.State) lipgloss.Style {
	switch s {
	case connection.StateConnected:
		return m.theme.StatusOK
	case connection.StateLoading, connection.StateAwaitingHandshake:
		return m.theme.StatusPending
	case connection.StateDeactivated:
		return m.theme.StatusDead
	default:
		return m.theme.Dim
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
