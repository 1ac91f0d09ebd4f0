package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aristath/dispatch/internal/orchestrator"
)

// planTask is one task entry in a plan file.
type planTask struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title,omitempty"`
	Type                string   `json:"type,omitempty"`
	Skills              []string `json:"skills,omitempty"`
	MaxRetries          int      `json:"max_retries,omitempty"`
	EstimatedDurationMs int64    `json:"estimated_duration_ms,omitempty"`
}

// planDependency is one edge entry in a plan file. Condition uses the
// edge predicate syntax, e.g. ">= 0.8"; empty means completion only.
type planDependency struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// planFile is the on-disk project description.
type planFile struct {
	Tasks        []planTask       `json:"tasks"`
	Dependencies []planDependency `json:"dependencies,omitempty"`
}

// loadPlan reads a JSON plan file into orchestrator task specs and
// dependency hints.
func loadPlan(path string) ([]orchestrator.TaskSpec, []orchestrator.DependencyHint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	var plan planFile
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, nil, fmt.Errorf("plan %s contains no tasks", path)
	}

	specs := make([]orchestrator.TaskSpec, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		specs = append(specs, orchestrator.TaskSpec{
			ID:                t.ID,
			Title:             t.Title,
			Type:              t.Type,
			Skills:            t.Skills,
			MaxRetries:        t.MaxRetries,
			EstimatedDuration: time.Duration(t.EstimatedDurationMs) * time.Millisecond,
		})
	}

	deps := make([]orchestrator.DependencyHint, 0, len(plan.Dependencies))
	for _, d := range plan.Dependencies {
		deps = append(deps, orchestrator.DependencyHint{
			From:      d.From,
			To:        d.To,
			Condition: d.Condition,
		})
	}

	return specs, deps, nil
}
