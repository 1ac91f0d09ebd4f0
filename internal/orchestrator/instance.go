package orchestrator

import (
	"context"
	"time"
)

// InstanceStatus is the lifecycle state of one execution.
type InstanceStatus int

const (
	InstanceBusy InstanceStatus = iota
	InstanceCompleted
	InstanceFailed
	InstanceTerminated
)

// String returns the status name.
func (s InstanceStatus) String() string {
	switch s {
	case InstanceBusy:
		return "busy"
	case InstanceCompleted:
		return "completed"
	case InstanceFailed:
		return "failed"
	case InstanceTerminated:
		return "terminated"
	}
	return "unknown"
}

// Instance is an in-flight execution of one task by one agent. Created at
// assignment, finalized exactly once on completion, failure, timeout, or
// cancellation.
type Instance struct {
	ID        string
	ProjectID string
	TaskID    string
	AgentID   string
	StartTime time.Time
	Status    InstanceStatus

	timer  *time.Timer        // Deadline timer, stopped on finalization
	cancel context.CancelFunc // Cancels the dispatch goroutine
}
