package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

const eventLogCap = 500

// EventPaneModel is a scrollable log of recent bus events.
type EventPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewEventPaneModel creates a new event log pane.
func NewEventPaneModel() EventPaneModel {
	return EventPaneModel{
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the event pane.
func (m EventPaneModel) Update(msg tea.Msg) (EventPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		m.lines = append(m.lines, formatEventLine(msg))
		if len(m.lines) > eventLogCap {
			m.lines = m.lines[len(m.lines)-eventLogCap:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	}

	return m, cmd
}

// formatEventLine renders one event as a log line.
func formatEventLine(ev events.Event) string {
	ts := ev.Timestamp.Format("15:04:05")
	detail := ""
	switch data := ev.Data.(type) {
	case events.TaskEventData:
		detail = data.TaskID
		if data.AgentID != "" {
			detail += " @" + data.AgentID
		}
		if data.Reason != "" {
			detail += " (" + data.Reason + ")"
		}
	case events.ReadyEventData:
		detail = strings.Join(data.TaskIDs, ", ")
	case events.WeightEventData:
		detail = fmt.Sprintf("%s -> %.2f", data.AgentID, data.Weight)
	case events.ProjectEventData:
		detail = fmt.Sprintf("%s (%d done, %d failed)", data.ProjectID, data.Completed, data.Failed)
	}

	typ := ev.Type
	switch ev.Type {
	case events.EventTaskCompleted, events.EventProjectCompleted:
		typ = StyleStatusComplete.Render(typ)
	case events.EventTaskFailed, events.EventProjectCriticalFail:
		typ = StyleStatusFailed.Render(typ)
	case events.EventTaskRetry, events.EventTaskTimeout:
		typ = StyleStatusRunning.Render(typ)
	}

	return fmt.Sprintf("%s  %s  %s", StyleStatusPending.Render(ts), typ, detail)
}

// View renders the event pane.
func (m EventPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Events")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *EventPaneModel) resizeViewport() {
	w := m.width - 4
	h := m.height - 5
	if w < 10 {
		w = 10
	}
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
}

// SetSize updates the pane dimensions.
func (m *EventPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *EventPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
