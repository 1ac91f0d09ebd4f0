package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusPending   Status = iota // Waiting for dependencies
	StatusReady                   // All dependency conditions hold, awaiting assignment
	StatusRunning                 // Currently executing on an agent
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error (terminal once retries are exhausted)
)

// String returns the status name used in events and persistence.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "ready":
		return StatusReady, nil
	case "running":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusPending, fmt.Errorf("unknown task status %q", s)
}

// HistoryEntry records one status transition of a task.
type HistoryEntry struct {
	Status    Status
	Timestamp time.Time
}

// Task represents a unit of work in a project graph.
type Task struct {
	ID                string
	Title             string
	Type              string   // Free-form skill category (e.g., "backend")
	Skills            []string // Skills required to execute this task
	Status            Status
	Dependencies      []DependencyEdge
	RetryCount        int
	MaxRetries        int
	EstimatedDuration time.Duration
	QualityScore      *float64 // nil until the task has completed at least once
	AssignedAgentID   string
	History           []HistoryEntry
}

// DependencyEdge is an incoming dependency of a task: the source node must
// be resolved and the condition must evaluate true against the source's
// quality score.
type DependencyEdge struct {
	FromID    string
	Condition Condition
}

// Condition is an edge predicate: either unconditional (source completed)
// or a single quality comparison of the form "{op} {threshold}".
// Compound conditions (AND/OR) are not supported.
type Condition struct {
	Op        string // one of ">=", "<=", ">", "<", "==" ; empty for unconditional
	Threshold float64
}

// Unconditional reports whether the condition only requires completion.
func (c Condition) Unconditional() bool { return c.Op == "" }

// Evaluate checks the predicate against a source node's quality score.
// A gated condition never holds while the score is unset.
func (c Condition) Evaluate(quality *float64) bool {
	if c.Unconditional() {
		return true
	}
	if quality == nil {
		return false
	}
	q := *quality
	switch c.Op {
	case ">=":
		return q >= c.Threshold
	case "<=":
		return q <= c.Threshold
	case ">":
		return q > c.Threshold
	case "<":
		return q < c.Threshold
	case "==":
		return q == c.Threshold
	}
	return false
}

// String renders the condition in its parseable form.
func (c Condition) String() string {
	if c.Unconditional() {
		return "completed"
	}
	return fmt.Sprintf("quality %s %g", c.Op, c.Threshold)
}

// ParseCondition parses an edge condition. Accepted forms:
//
//	""            unconditional
//	"completed"   unconditional
//	">= 0.8"      quality comparison (op one of >=, <=, >, <, ==)
//	"quality >= 0.8"
//
// Malformed conditions are a ConfigurationError at graph-build time.
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "completed" {
		return Condition{}, nil
	}

	s = strings.TrimSpace(strings.TrimPrefix(s, "quality"))
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Condition{}, &ConfigurationError{
			Field:  "condition",
			Reason: fmt.Sprintf("expected %q, got %q", "{op} {threshold}", s),
		}
	}

	op := fields[0]
	switch op {
	case ">=", "<=", ">", "<", "==":
	default:
		return Condition{}, &ConfigurationError{
			Field:  "condition",
			Reason: fmt.Sprintf("unknown operator %q", op),
		}
	}

	threshold, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Condition{}, &ConfigurationError{
			Field:  "condition",
			Reason: fmt.Sprintf("invalid threshold %q", fields[1]),
		}
	}

	return Condition{Op: op, Threshold: threshold}, nil
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Skills != nil {
		cp.Skills = append([]string(nil), task.Skills...)
	}
	if task.Dependencies != nil {
		cp.Dependencies = append([]DependencyEdge(nil), task.Dependencies...)
	}
	if task.History != nil {
		cp.History = append([]HistoryEntry(nil), task.History...)
	}
	if task.QualityScore != nil {
		q := *task.QualityScore
		cp.QualityScore = &q
	}
	return &cp
}
