package events

import (
	"time"
)

// Priority controls delivery order within a single publish.
// Higher priorities are delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name used in logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Event is an immutable record published on the bus.
// CorrelationID threads together all events caused by one originating action.
type Event struct {
	ID            string
	Type          string
	Data          any
	Timestamp     time.Time
	CorrelationID string
	Priority      Priority
}

// Event type constants emitted by the orchestrator.
const (
	EventTasksReady            = "tasks.ready"
	EventTaskAssigned          = "task.assigned"
	EventTaskAssignmentFailed  = "task.assignment.failed"
	EventTaskCompleted         = "task.completed"
	EventTaskFailed            = "task.failed"
	EventTaskRetry             = "task.retry"
	EventTaskTimeout           = "task.timeout"
	EventAgentWeightUpdated    = "agent.weight.updated"
	EventProjectCompleted      = "project.completed"
	EventProjectPartialFailure = "project.completed.with.failures"
	EventProjectCriticalFail   = "project.critical.failure"
)

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	ProjectID    string
	TaskID       string
	AgentID      string
	InstanceID   string
	QualityScore float64
	Reason       string
	Attempt      int
}

// ReadyEventData is the payload for tasks.ready events.
type ReadyEventData struct {
	ProjectID string
	TaskIDs   []string
}

// WeightEventData is the payload for agent.weight.updated events.
type WeightEventData struct {
	AgentID string
	Weight  float64
}

// ProjectEventData is the payload for project completion events.
type ProjectEventData struct {
	ProjectID string
	Completed int
	Failed    int
}
