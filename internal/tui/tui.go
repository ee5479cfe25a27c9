// Package tui is the terminal status dashboard shown when the orchestrator
// runs attached to a TTY.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one point-in-time view of the orchestrator's health.
type Snapshot struct {
	DBOK          bool
	SchedulerSize int
	OpenTasks     int
	AssignedTasks int
	ClosedTasks   int
	FlexTasks     int
	WSClients     int
	LastError     string
	LastEvent     string
	Uptime        time.Duration
}

// StatusProvider supplies a fresh Snapshot on each poll.
type StatusProvider func() Snapshot

var titleStyle = lipgloss.NewStyle().Bold(true)

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	return fmt.Sprintf(
		"%s\n\nDB OK: %t\nArmed Timers: %d\nOpen Tasks: %d\nAssigned Tasks: %d\nClosed Tasks: %d\nFlex Tasks: %d\nWS Clients: %d\nUptime: %s\nLast Error: %s\nLast Event: %s\n\nPress q to quit.\n",
		titleStyle.Render("Handoff Orchestrator Status"),
		m.snap.DBOK,
		m.snap.SchedulerSize,
		m.snap.OpenTasks,
		m.snap.AssignedTasks,
		m.snap.ClosedTasks,
		m.snap.FlexTasks,
		m.snap.WSClients,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
		lastEvent,
	)
}

// Run drives the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
