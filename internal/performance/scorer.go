// Package performance maintains a per-agent assignment weight derived
// from historical quality, speed, reliability, and current utilization.
package performance

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/events"
)

// Config tunes weight computation.
type Config struct {
	QualityWeight     float64       // Default 0.4
	SpeedWeight       float64       // Default 0.3
	ReliabilityWeight float64       // Default 0.2
	UtilizationWeight float64       // Default 0.1
	TrendWindow       int           // Outcomes considered for trend slope (default 20)
	Decay             float64       // Blend with previous weight (default 0.95)
	MinWeight         float64       // Clamp floor (default 0.1)
	MaxWeight         float64       // Clamp ceiling (default 3.0)
	RecomputeInterval time.Duration // Periodic recompute tick (default 30s)
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		QualityWeight:     0.4,
		SpeedWeight:       0.3,
		ReliabilityWeight: 0.2,
		UtilizationWeight: 0.1,
		TrendWindow:       20,
		Decay:             0.95,
		MinWeight:         0.1,
		MaxWeight:         3.0,
		RecomputeInterval: 30 * time.Second,
	}
}

type record struct {
	success bool
	quality float64
	elapsed time.Duration
}

type agentStats struct {
	outcomes    []record
	weight      float64
	avgLoad     float64 // exponential average of observed utilization
	loadSamples int
}

// Scorer maintains agent weights. Weights are read by the orchestrator at
// assignment time and never by agents themselves.
type Scorer struct {
	cfg      Config
	registry *agents.Registry
	bus      *events.Bus

	mu       sync.Mutex
	stats    map[string]*agentStats
	highLoad bool
}

// NewScorer creates a scorer backed by the given registry for live load
// reads. The bus receives agent.weight.updated events on recompute; it
// may be nil in tests.
func NewScorer(cfg Config, registry *agents.Registry, bus *events.Bus) *Scorer {
	if cfg.QualityWeight == 0 && cfg.SpeedWeight == 0 && cfg.ReliabilityWeight == 0 && cfg.UtilizationWeight == 0 {
		cfg = DefaultConfig()
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 20
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = 0.95
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = 0.1
	}
	if cfg.MaxWeight <= cfg.MinWeight {
		cfg.MaxWeight = 3.0
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 30 * time.Second
	}
	return &Scorer{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		stats:    make(map[string]*agentStats),
	}
}

// Start runs the periodic recompute loop until the context is cancelled.
func (s *Scorer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.RecomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RecomputeAll(ctx)
			}
		}
	}()
}

// SetSystemLoad re-tunes sub-weights for the load regime: under high
// load reliability is up-weighted and speed down-weighted.
func (s *Scorer) SetSystemLoad(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highLoad = high
}

// Record stores one execution outcome. A failure triggers an immediate
// out-of-band recompute so it affects assignment before the next tick.
func (s *Scorer) Record(ctx context.Context, agentID string, outcome agents.Outcome) {
	s.mu.Lock()
	st := s.statsFor(agentID)
	st.outcomes = append(st.outcomes, record{
		success: outcome.Success,
		quality: outcome.QualityScore,
		elapsed: outcome.Elapsed,
	})
	// Keep a bounded history; the trend window is all that matters
	if max := s.cfg.TrendWindow * 5; len(st.outcomes) > max {
		st.outcomes = st.outcomes[len(st.outcomes)-max:]
	}
	s.observeLoad(st, agentID)
	failed := !outcome.Success
	s.mu.Unlock()

	if failed {
		s.recompute(ctx, agentID)
	}
}

// Weight returns the agent's current weight, 1.0 when unknown.
func (s *Scorer) Weight(agentID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stats[agentID]; ok && st.weight > 0 {
		return st.weight
	}
	return 1.0
}

// MaxWeight returns the configured clamp ceiling, used by assignment to
// normalize weights into [0,1].
func (s *Scorer) MaxWeight() float64 {
	return s.cfg.MaxWeight
}

// RestoreWeights seeds weights loaded from persistence, clamped to the
// configured range.
func (s *Scorer) RestoreWeights(weights map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range weights {
		st := s.statsFor(id)
		st.weight = clamp(w, s.cfg.MinWeight, s.cfg.MaxWeight)
	}
}

// RecomputeAll recomputes every tracked agent's weight.
func (s *Scorer) RecomputeAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.stats))
	for id := range s.stats {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.recompute(ctx, id)
	}
}

// recompute derives the blended, clamped weight and publishes the update.
func (s *Scorer) recompute(ctx context.Context, agentID string) {
	s.mu.Lock()
	st := s.statsFor(agentID)
	globalAvg := s.globalAvgTime()
	s.observeLoad(st, agentID)

	qw, sw, rw, uw := s.cfg.QualityWeight, s.cfg.SpeedWeight, s.cfg.ReliabilityWeight, s.cfg.UtilizationWeight
	if s.highLoad {
		// Under pressure, a finished task beats a fast one
		rw += 0.1
		sw -= 0.1
	}

	combined := qw*s.qualityScore(st) +
		sw*s.speedScore(st, globalAvg) +
		rw*s.reliabilityScore(st) +
		uw*s.utilizationScore(st, agentID)

	old := st.weight
	if old == 0 {
		old = 1.0
	}
	weight := combined*(1-s.cfg.Decay) + old*s.cfg.Decay
	weight = clamp(weight, s.cfg.MinWeight, s.cfg.MaxWeight)
	st.weight = weight
	s.mu.Unlock()

	if s.bus != nil {
		_, err := s.bus.Publish(ctx, events.EventAgentWeightUpdated,
			events.WeightEventData{AgentID: agentID, Weight: weight},
			events.PublishOptions{})
		if err != nil {
			log.Printf("WARNING: failed to publish weight update for %q: %v", agentID, err)
		}
	}
}

// statsFor returns (creating if needed) the stats entry. Caller holds mu.
func (s *Scorer) statsFor(agentID string) *agentStats {
	st, ok := s.stats[agentID]
	if !ok {
		st = &agentStats{weight: 1.0}
		s.stats[agentID] = st
	}
	return st
}

// qualityScore is the rolling average quality against a 0.8 baseline,
// nudged ±10% for an improving or declining trend.
func (s *Scorer) qualityScore(st *agentStats) float64 {
	window := s.window(st)
	if len(window) == 0 {
		return 1.0
	}

	sum := 0.0
	for _, r := range window {
		sum += r.quality
	}
	score := (sum / float64(len(window))) / 0.8

	switch trendSlope(window) {
	case 1:
		score *= 1.1
	case -1:
		score *= 0.9
	}
	return score
}

// speedScore compares the agent's average execution time to the global
// average, clamped to [0.1, 2.0].
func (s *Scorer) speedScore(st *agentStats, globalAvg time.Duration) float64 {
	agentAvg := avgTime(st.outcomes)
	if agentAvg <= 0 || globalAvg <= 0 {
		return 1.0
	}
	return clamp(float64(globalAvg)/float64(agentAvg), 0.1, 2.0)
}

// reliabilityScore is the success rate against a 0.8 baseline with steep
// penalties below 0.5 and 0.7.
func (s *Scorer) reliabilityScore(st *agentStats) float64 {
	if len(st.outcomes) == 0 {
		return 1.0
	}
	successes := 0
	for _, r := range st.outcomes {
		if r.success {
			successes++
		}
	}
	rate := float64(successes) / float64(len(st.outcomes))

	score := rate / 0.8
	switch {
	case rate < 0.5:
		score *= 0.5
	case rate < 0.7:
		score *= 0.8
	}
	return score
}

// utilizationScore rewards load near the presumed optimal 0.7, with a
// small bonus when current load tracks the agent's own average.
func (s *Scorer) utilizationScore(st *agentStats, agentID string) float64 {
	load := s.currentLoad(agentID)
	score := 1.0 - abs(load-0.7)*0.5
	if st.loadSamples > 0 && abs(load-st.avgLoad) < 0.1 {
		score *= 1.1
	}
	return score
}

// currentLoad is activeInstances / maxConcurrentInstances.
func (s *Scorer) currentLoad(agentID string) float64 {
	def, _, ok := s.registry.Get(agentID)
	if !ok || def.MaxConcurrentInstances == 0 {
		return 0
	}
	return float64(s.registry.ActiveInstances(agentID)) / float64(def.MaxConcurrentInstances)
}

// observeLoad folds the current utilization into the agent's running
// load average. Caller holds mu.
func (s *Scorer) observeLoad(st *agentStats, agentID string) {
	load := s.currentLoad(agentID)
	if st.loadSamples == 0 {
		st.avgLoad = load
	} else {
		st.avgLoad = st.avgLoad*0.9 + load*0.1
	}
	st.loadSamples++
}

// globalAvgTime averages execution time across all agents. Caller holds mu.
func (s *Scorer) globalAvgTime() time.Duration {
	var total time.Duration
	count := 0
	for _, st := range s.stats {
		for _, r := range st.outcomes {
			if r.elapsed > 0 {
				total += r.elapsed
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// window returns the last TrendWindow outcomes.
func (s *Scorer) window(st *agentStats) []record {
	if len(st.outcomes) <= s.cfg.TrendWindow {
		return st.outcomes
	}
	return st.outcomes[len(st.outcomes)-s.cfg.TrendWindow:]
}

// trendSlope returns the sign of the least-squares slope over the
// window's quality values: 1 improving, -1 declining, 0 flat.
func trendSlope(window []record) int {
	n := len(window)
	if n < 3 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, r := range window {
		x := float64(i)
		sumX += x
		sumY += r.quality
		sumXY += x * r.quality
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (fn*sumXY - sumX*sumY) / denom

	const epsilon = 1e-4
	switch {
	case slope > epsilon:
		return 1
	case slope < -epsilon:
		return -1
	}
	return 0
}

func avgTime(outcomes []record) time.Duration {
	var total time.Duration
	count := 0
	for _, r := range outcomes {
		if r.elapsed > 0 {
			total += r.elapsed
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
