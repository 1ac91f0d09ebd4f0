package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

// taskRow tracks the display state of one task, derived from bus events.
type taskRow struct {
	TaskID  string
	AgentID string
	Status  string // "ready", "running", "completed", "failed", "retrying"
}

// TaskPaneModel shows per-task scheduling state and overall progress.
type TaskPaneModel struct {
	tasks   map[string]*taskRow
	order   []string // insertion order for display
	width   int
	height  int
	focused bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks: make(map[string]*taskRow),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.Event:
		m.applyEvent(msg)
	}

	return m, nil
}

// applyEvent folds one bus event into the pane state.
func (m *TaskPaneModel) applyEvent(ev events.Event) {
	switch ev.Type {
	case events.EventTasksReady:
		data, ok := ev.Data.(events.ReadyEventData)
		if !ok {
			return
		}
		for _, id := range data.TaskIDs {
			m.row(id).Status = "ready"
		}

	case events.EventTaskAssigned:
		if data, ok := ev.Data.(events.TaskEventData); ok {
			row := m.row(data.TaskID)
			row.Status = "running"
			row.AgentID = data.AgentID
		}

	case events.EventTaskCompleted:
		if data, ok := ev.Data.(events.TaskEventData); ok {
			m.row(data.TaskID).Status = "completed"
		}

	case events.EventTaskFailed:
		if data, ok := ev.Data.(events.TaskEventData); ok {
			m.row(data.TaskID).Status = "failed"
		}

	case events.EventTaskRetry:
		if data, ok := ev.Data.(events.TaskEventData); ok {
			row := m.row(data.TaskID)
			row.Status = "retrying"
			row.AgentID = ""
		}
	}
}

// row returns (creating if needed) the display row for a task.
func (m *TaskPaneModel) row(taskID string) *taskRow {
	if r, ok := m.tasks[taskID]; ok {
		return r
	}
	r := &taskRow{TaskID: taskID}
	m.tasks[taskID] = r
	m.order = append(m.order, taskID)
	return r
}

// counts tallies tasks by display status.
func (m TaskPaneModel) counts() (completed, running, failed, waiting int) {
	for _, r := range m.tasks {
		switch r.Status {
		case "completed":
			completed++
		case "running":
			running++
		case "failed":
			failed++
		default:
			waiting++
		}
	}
	return
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		maxRows := m.height - 10
		for i, id := range m.order {
			if maxRows > 0 && i >= maxRows {
				b.WriteString(StyleStatusPending.Render(fmt.Sprintf("... %d more", len(m.order)-i)))
				b.WriteString("\n")
				break
			}
			r := m.tasks[id]
			line := fmt.Sprintf("%s %s", m.statusIcon(r.Status), r.TaskID)
			if r.AgentID != "" {
				line += StyleStatusPending.Render(" @" + r.AgentID)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")

	completed, running, failed, waiting := m.counts()
	total := len(m.tasks)
	b.WriteString(fmt.Sprintf("Done: %s  Running: %s  Failed: %s  Waiting: %d\n",
		StyleStatusComplete.Render(fmt.Sprintf("%d", completed)),
		StyleStatusRunning.Render(fmt.Sprintf("%d", running)),
		StyleStatusFailed.Render(fmt.Sprintf("%d", failed)),
		waiting))

	// Progress bar
	if total > 0 {
		barWidth := min(m.width-8, 40)
		completedWidth := (completed * barWidth) / total
		failedWidth := (failed * barWidth) / total
		runningWidth := (running * barWidth) / total
		waitingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, waitingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, completed, total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// statusIcon returns a styled status indicator.
func (m TaskPaneModel) statusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "ready":
		return StyleStatusReady.Render("◆")
	case "retrying":
		return StyleStatusRunning.Render("↻")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
