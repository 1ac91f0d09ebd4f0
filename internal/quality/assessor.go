// Package quality defines the contract with the quality-assessment
// collaborator. The orchestrator consumes only the overall score; the
// scoring heuristics themselves live outside this system.
package quality

import (
	"context"
	"strings"
)

// Assessment is the collaborator's verdict on a completed task's result.
type Assessment struct {
	OverallScore    float64 // in [0,1]; used as the task's qualityScore
	ComponentScores map[string]float64
}

// Assessor scores a completed task's output.
type Assessor interface {
	Assess(ctx context.Context, taskID string, output string) (Assessment, error)
}

// AssessorFunc adapts a function to the Assessor interface.
type AssessorFunc func(ctx context.Context, taskID string, output string) (Assessment, error)

// Assess implements Assessor.
func (f AssessorFunc) Assess(ctx context.Context, taskID string, output string) (Assessment, error) {
	return f(ctx, taskID, output)
}

// StaticAssessor returns a fixed score for every task. Useful for tests
// and for deployments without a quality collaborator.
type StaticAssessor struct {
	Score float64
}

// Assess implements Assessor.
func (a StaticAssessor) Assess(ctx context.Context, taskID string, output string) (Assessment, error) {
	return Assessment{
		OverallScore:    a.Score,
		ComponentScores: map[string]float64{"overall": a.Score},
	}, nil
}

// HeuristicAssessor is a lightweight stand-in scorer: non-empty output
// scores well, output mentioning errors scores poorly. Real deployments
// plug in the external collaborator instead.
type HeuristicAssessor struct{}

// Assess implements Assessor.
func (HeuristicAssessor) Assess(ctx context.Context, taskID string, output string) (Assessment, error) {
	score := 0.9
	switch {
	case strings.TrimSpace(output) == "":
		score = 0.4
	case strings.Contains(strings.ToLower(output), "error"):
		score = 0.5
	}
	return Assessment{
		OverallScore:    score,
		ComponentScores: map[string]float64{"completeness": score},
	}, nil
}
