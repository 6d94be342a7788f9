// Package watch renders a live terminal view of one session's execution
// status, fed by the status sync client.
package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/driftlab/pulse/statussync"
	"github.com/driftlab/pulse/tracker"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	phaseStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	logTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	logTypeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Width(18)
)

// syncMsg signals that the sync client's mirror changed.
type syncMsg struct{}

// Model is the bubbletea model for the watch view.
type Model struct {
	client    *statussync.Client
	sessionID string

	status *tracker.ExecutionStatus
	log    []statussync.ActivityLogEntry
	state  statussync.State

	progress progress.Model
	spinner  spinner.Model
	width    int
	height   int
}

// New creates a watch model over a running sync client.
func New(client *statussync.Client, sessionID string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = okStyle

	return Model{
		client:    client,
		sessionID: sessionID,
		progress:  progress.New(progress.WithDefaultGradient()),
		spinner:   sp,
		width:     80,
		height:    24,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.spinner.Tick)
}

// waitForUpdate blocks on the sync client's coalesced change signal.
func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		<-m.client.Updates()
		return syncMsg{}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 20

	case syncMsg:
		m.status, m.log, m.state = m.client.Snapshot()
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("pulse watch"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(m.sessionID))
	b.WriteString("  ")
	b.WriteString(m.transportBadge())
	b.WriteString("\n\n")

	if m.status == nil {
		b.WriteString(m.spinner.View())
		b.WriteString(" waiting for status...\n")
		return b.String()
	}

	st := m.status
	b.WriteString(labelStyle.Render("phase "))
	b.WriteString(phaseStyle.Render(string(st.CurrentPhase)))
	if st.ActiveAgent != "" {
		b.WriteString(labelStyle.Render("  agent "))
		b.WriteString(m.spinner.View())
		b.WriteString(" " + st.ActiveAgent)
	}
	if len(st.ActiveTools) > 0 {
		b.WriteString(labelStyle.Render("  tools "))
		b.WriteString(strings.Join(st.ActiveTools, ", "))
	}
	b.WriteString("\n")

	b.WriteString(m.progress.ViewAs(st.Progress))
	b.WriteString(fmt.Sprintf(" %3.0f%%\n", st.Progress*100))

	if st.PlanWaitingApproval {
		b.WriteString(warnStyle.Render("Plan awaiting approval"))
		b.WriteString("\n")
	}
	if st.Error != "" {
		b.WriteString(errorStyle.Render("error: " + st.Error))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render("activity"))
	b.WriteString("\n")
	b.WriteString(m.renderLog())

	b.WriteString("\n")
	b.WriteString(labelStyle.Render("q to quit"))
	return b.String()
}

func (m Model) transportBadge() string {
	switch m.state {
	case statussync.StatePush:
		return okStyle.Render("● live")
	case statussync.StateReconnecting:
		return warnStyle.Render("● reconnecting")
	case statussync.StatePolling:
		return warnStyle.Render("● polling")
	case statussync.StateStopped:
		return errorStyle.Render("● stopped")
	default:
		return labelStyle.Render("● seeding")
	}
}

// renderLog shows as many newest-first entries as fit the terminal.
func (m Model) renderLog() string {
	rows := m.height - 10
	if rows < 3 {
		rows = 3
	}
	if rows > len(m.log) {
		rows = len(m.log)
	}

	var b strings.Builder
	for _, entry := range m.log[:rows] {
		b.WriteString(logTimeStyle.Render(entry.Timestamp.Local().Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(logTypeStyle.Render(entry.Type))
		b.WriteString(" ")
		b.WriteString(entry.Summary)
		b.WriteString("\n")
	}
	return b.String()
}
