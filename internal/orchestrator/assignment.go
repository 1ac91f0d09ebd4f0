package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/aristath/dispatch/internal/agents"
)

// Assignment strategies.
const (
	StrategyQualityWeighted = "quality_weighted" // Highest overall score
	StrategyLeastBusy       = "least_busy"       // Fewest active instances, ties by score
	StrategyRoundRobin      = "round_robin"      // Fewest assignments in the recent window
)

// scoredCandidate pairs a candidate with its overall assignment score.
type scoredCandidate struct {
	agents.Candidate
	Overall float64
}

// assignmentTracker records recent assignments for the round_robin
// strategy's sliding window.
type assignmentTracker struct {
	mu      sync.Mutex
	window  time.Duration
	history map[string][]time.Time // agentID -> assignment timestamps
}

func newAssignmentTracker(window time.Duration) *assignmentTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &assignmentTracker{
		window:  window,
		history: make(map[string][]time.Time),
	}
}

// record notes an assignment to an agent.
func (t *assignmentTracker) record(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[agentID] = append(t.prune(agentID), time.Now())
}

// count returns the agent's assignments inside the window.
func (t *assignmentTracker) count(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	recent := t.prune(agentID)
	t.history[agentID] = recent
	return len(recent)
}

// prune drops entries older than the window. Caller holds mu.
func (t *assignmentTracker) prune(agentID string) []time.Time {
	cutoff := time.Now().Add(-t.window)
	recent := t.history[agentID][:0]
	for _, ts := range t.history[agentID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}

// scoreCandidates computes each candidate's overall assignment score:
// capability, normalized performance weight, and spare-capacity load.
func (o *Orchestrator) scoreCandidates(candidates []agents.Candidate) []scoredCandidate {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		weight := o.scorer.Weight(c.Definition.ID)
		normWeight := weight / o.scorerMaxWeight

		loadScore := 1.0
		if c.Definition.MaxConcurrentInstances > 0 {
			loadScore = 1.0 - float64(c.ActiveInstances)/float64(c.Definition.MaxConcurrentInstances)
		}

		overall := o.cfg.CapabilityWeight*c.CapabilityScore +
			o.cfg.PerformanceWeight*normWeight +
			o.cfg.LoadWeight*loadScore

		scored = append(scored, scoredCandidate{Candidate: c, Overall: overall})
	}
	return scored
}

// pickCandidate orders candidates per the configured strategy, best
// first. The caller walks the list so an Acquire race falls through to
// the next choice.
func (o *Orchestrator) pickCandidate(scored []scoredCandidate) []scoredCandidate {
	ordered := append([]scoredCandidate(nil), scored...)

	switch o.cfg.Strategy {
	case StrategyLeastBusy:
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].ActiveInstances != ordered[j].ActiveInstances {
				return ordered[i].ActiveInstances < ordered[j].ActiveInstances
			}
			return ordered[i].Overall > ordered[j].Overall
		})
	case StrategyRoundRobin:
		sort.SliceStable(ordered, func(i, j int) bool {
			ci, cj := o.tracker.count(ordered[i].Definition.ID), o.tracker.count(ordered[j].Definition.ID)
			if ci != cj {
				return ci < cj
			}
			return ordered[i].Overall > ordered[j].Overall
		})
	default: // quality_weighted
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Overall > ordered[j].Overall
		})
	}
	return ordered
}
