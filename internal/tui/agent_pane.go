package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/events"
)

// agentRow tracks the display state of one agent, derived from bus events.
type agentRow struct {
	AgentID     string
	Weight      float64
	Assignments int
	Failures    int
}

// AgentPaneModel shows per-agent weights and assignment counts.
type AgentPaneModel struct {
	agents  map[string]*agentRow
	width   int
	height  int
	focused bool
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{
		agents: make(map[string]*agentRow),
	}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.Event:
		switch msg.Type {
		case events.EventAgentWeightUpdated:
			if data, ok := msg.Data.(events.WeightEventData); ok {
				m.row(data.AgentID).Weight = data.Weight
			}
		case events.EventTaskAssigned:
			if data, ok := msg.Data.(events.TaskEventData); ok && data.AgentID != "" {
				m.row(data.AgentID).Assignments++
			}
		case events.EventTaskFailed:
			if data, ok := msg.Data.(events.TaskEventData); ok && data.AgentID != "" {
				m.row(data.AgentID).Failures++
			}
		}
	}

	return m, nil
}

// row returns (creating if needed) the display row for an agent.
func (m *AgentPaneModel) row(agentID string) *agentRow {
	if r, ok := m.agents[agentID]; ok {
		return r
	}
	r := &agentRow{AgentID: agentID, Weight: 1.0}
	m.agents[agentID] = r
	return r
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Agents")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.agents) == 0 {
		b.WriteString(StyleStatusPending.Render("No assignments yet"))
	} else {
		ids := make([]string, 0, len(m.agents))
		for id := range m.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			r := m.agents[id]
			weight := fmt.Sprintf("%.2f", r.Weight)
			switch {
			case r.Weight >= 1.2:
				weight = StyleStatusComplete.Render(weight)
			case r.Weight < 0.8:
				weight = StyleStatusFailed.Render(weight)
			}
			b.WriteString(fmt.Sprintf("%-14s w=%s  tasks=%d  fails=%d\n",
				r.AgentID, weight, r.Assignments, r.Failures))
		}
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

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
