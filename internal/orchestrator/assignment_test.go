package orchestrator

import (
	"testing"
	"time"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/performance"
)

func newScoringOrchestrator(t *testing.T, strategy string) (*Orchestrator, *agents.Registry) {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	registry := agents.NewRegistry(agents.RegistryConfig{})
	scorer := performance.NewScorer(performance.DefaultConfig(), registry, nil)
	orch := New(Config{Strategy: strategy}, bus, registry, scorer)
	return orch, registry
}

func candidate(id string, capability float64, active, max int) agents.Candidate {
	return agents.Candidate{
		Definition: agents.Definition{
			ID:                     id,
			Capabilities:           map[string]float64{"coding": capability},
			MaxConcurrentInstances: max,
		},
		CapabilityScore: capability,
		ActiveInstances: active,
	}
}

func TestScoreCandidatesWeighting(t *testing.T) {
	orch, _ := newScoringOrchestrator(t, StrategyQualityWeighted)

	// Unknown agents carry weight 1.0; with MaxWeight 3.0 the normalized
	// performance term is 1/3 for both, so capability and load decide.
	scored := orch.scoreCandidates([]agents.Candidate{
		candidate("strong-idle", 0.9, 0, 4),
		candidate("strong-busy", 0.9, 4, 4),
		candidate("weak-idle", 0.4, 0, 4),
	})

	byID := map[string]float64{}
	for _, sc := range scored {
		byID[sc.Definition.ID] = sc.Overall
	}

	if byID["strong-idle"] <= byID["strong-busy"] {
		t.Errorf("idle agent %v not scored above saturated agent %v", byID["strong-idle"], byID["strong-busy"])
	}
	if byID["strong-idle"] <= byID["weak-idle"] {
		t.Errorf("capable agent %v not scored above weak agent %v", byID["strong-idle"], byID["weak-idle"])
	}

	// overall = 0.5*cap + 0.3*(1/3) + 0.2*load
	want := 0.5*0.9 + 0.3*(1.0/3.0) + 0.2*1.0
	if got := byID["strong-idle"]; absDiff(got, want) > 1e-9 {
		t.Errorf("strong-idle overall = %v, want %v", got, want)
	}
}

func TestPickCandidateQualityWeighted(t *testing.T) {
	orch, _ := newScoringOrchestrator(t, StrategyQualityWeighted)

	scored := orch.scoreCandidates([]agents.Candidate{
		candidate("low", 0.4, 0, 4),
		candidate("high", 0.9, 0, 4),
		candidate("mid", 0.6, 0, 4),
	})

	ordered := orch.pickCandidate(scored)
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if ordered[i].Definition.ID != id {
			t.Fatalf("quality_weighted order = %v, want %v", orderedIDs(ordered), want)
		}
	}
}

func TestPickCandidateLeastBusy(t *testing.T) {
	orch, _ := newScoringOrchestrator(t, StrategyLeastBusy)

	scored := orch.scoreCandidates([]agents.Candidate{
		candidate("busy-strong", 0.9, 3, 4),
		candidate("idle-weak", 0.4, 0, 4),
		candidate("idle-strong", 0.9, 0, 4),
	})

	ordered := orch.pickCandidate(scored)
	if ordered[0].Definition.ID != "idle-strong" {
		t.Errorf("least_busy first = %s, want idle-strong (ties broken by score)", ordered[0].Definition.ID)
	}
	if ordered[len(ordered)-1].Definition.ID != "busy-strong" {
		t.Errorf("least_busy last = %s, want busy-strong", ordered[len(ordered)-1].Definition.ID)
	}
}

func TestPickCandidateRoundRobin(t *testing.T) {
	orch, _ := newScoringOrchestrator(t, StrategyRoundRobin)

	// "favored" was assigned recently; round robin prefers the other
	orch.tracker.record("favored")
	orch.tracker.record("favored")

	scored := orch.scoreCandidates([]agents.Candidate{
		candidate("favored", 0.9, 0, 4),
		candidate("fresh", 0.5, 0, 4),
	})

	ordered := orch.pickCandidate(scored)
	if ordered[0].Definition.ID != "fresh" {
		t.Errorf("round_robin first = %s, want fresh", ordered[0].Definition.ID)
	}
}

func TestAssignmentTrackerWindow(t *testing.T) {
	tracker := newAssignmentTracker(20 * time.Millisecond)

	tracker.record("a")
	tracker.record("a")
	if got := tracker.count("a"); got != 2 {
		t.Errorf("count inside window = %d, want 2", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := tracker.count("a"); got != 0 {
		t.Errorf("count after window = %d, want 0", got)
	}
}

func orderedIDs(scored []scoredCandidate) []string {
	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.Definition.ID
	}
	return ids
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
