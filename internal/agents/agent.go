package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/dispatch/internal/scheduler"
)

// Agent is the executor interface every agent variant implements.
// The orchestrator depends only on this interface.
type Agent interface {
	// Execute runs one task and returns its outcome. Implementations are
	// arbitrary, possibly non-idempotent executors; cancellation is
	// signalled through the context.
	Execute(ctx context.Context, task scheduler.Task) (Outcome, error)
}

// Outcome is the result of one task execution.
type Outcome struct {
	Success      bool
	QualityScore float64
	Scored       bool // QualityScore was set by the executor; unscored successes go to the assessor
	Output       string
	Elapsed      time.Duration
	Reason       string // Failure classification (e.g., "timeout")
}

// Definition declares an agent at registration time: its capability map
// and concurrency limit. Read-only after registration except through
// explicit re-registration.
type Definition struct {
	ID                     string
	Name                   string
	Capabilities           map[string]float64 // skill -> efficiency in [0,1]
	MaxConcurrentInstances int
}

// Validate checks a definition before registration.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("agent definition missing ID")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("agent %q declares no capabilities", d.ID)
	}
	for skill, eff := range d.Capabilities {
		if eff < 0 || eff > 1 {
			return fmt.Errorf("agent %q capability %q efficiency %g out of [0,1]", d.ID, skill, eff)
		}
	}
	return nil
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, task scheduler.Task) (Outcome, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, task scheduler.Task) (Outcome, error) {
	return f(ctx, task)
}
