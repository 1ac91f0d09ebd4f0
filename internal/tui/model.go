package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneAgents
	PaneEvents
)

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	taskPane    TaskPaneModel
	agentPane   AgentPaneModel
	eventPane   EventPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a new dashboard model watching every event on the bus.
func New(bus *events.Bus) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		agentPane:   NewAgentPaneModel(),
		eventPane:   NewEventPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.WatchAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneEvents
			m.updateFocusStates()

		default:
			// Delegate to focused pane
			if m.focusedPane == PaneEvents {
				var cmd tea.Cmd
				m.eventPane, cmd = m.eventPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		// Every pane sees every event; each picks what it cares about
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)
		m.eventPane, cmd = m.eventPane.Update(msg)
		cmds = append(cmds, cmd)

		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	left := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.agentPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, m.eventPane.View())

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar
	taskHeight := (availableHeight * 60) / 100
	agentHeight := availableHeight - taskHeight

	m.taskPane.SetSize(leftWidth, taskHeight)
	m.agentPane.SetSize(leftWidth, agentHeight)
	m.eventPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.eventPane.SetFocused(m.focusedPane == PaneEvents)
}
