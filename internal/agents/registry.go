package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/dispatch/internal/scheduler"
)

// DefaultRelatedSkills is the fixed relationship table used for partial
// capability credit: an agent declaring a skill related to a required one
// earns a fraction of that skill's efficiency.
var DefaultRelatedSkills = map[string][]string{
	"frontend": {"react", "css", "html", "javascript"},
	"backend":  {"api", "database", "go", "python"},
	"testing":  {"qa", "automation", "review"},
	"devops":   {"docker", "ci", "deployment"},
	"database": {"sql", "migrations", "backend"},
}

// RegistryConfig tunes candidate eligibility.
type RegistryConfig struct {
	PartialCreditMultiplier float64             // Credit for related skills (default 0.8)
	MinCapabilityScore      float64             // Eligibility threshold (default 0.3)
	RelatedSkills           map[string][]string // Relationship table (default DefaultRelatedSkills)
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PartialCreditMultiplier: 0.8,
		MinCapabilityScore:      0.3,
		RelatedSkills:           DefaultRelatedSkills,
	}
}

type entry struct {
	def      Definition
	executor Agent
	active   int
}

// Candidate is an eligible agent for a task, with its capability score
// and current load at evaluation time.
type Candidate struct {
	Definition      Definition
	Executor        Agent
	CapabilityScore float64
	ActiveInstances int
}

// Registry holds the set of known agents and their live instance counts.
// Reload of an agent is unregister + register, never in-place mutation.
type Registry struct {
	cfg    RegistryConfig
	mu     sync.RWMutex
	agents map[string]*entry
	locks  *agentLockManager
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.PartialCreditMultiplier <= 0 {
		cfg.PartialCreditMultiplier = 0.8
	}
	if cfg.MinCapabilityScore <= 0 {
		cfg.MinCapabilityScore = 0.3
	}
	if cfg.RelatedSkills == nil {
		cfg.RelatedSkills = DefaultRelatedSkills
	}
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*entry),
		locks:  newAgentLockManager(),
	}
}

// Register adds an agent with its executor. Returns an error on invalid
// definitions or duplicate IDs.
func (r *Registry) Register(def Definition, executor Agent) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.MaxConcurrentInstances <= 0 {
		def.MaxConcurrentInstances = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[def.ID]; exists {
		return fmt.Errorf("agent %q already registered", def.ID)
	}
	r.agents[def.ID] = &entry{def: def, executor: executor}
	return nil
}

// Unregister removes an agent. Returns false if unknown. In-flight
// instances keep running; their completions release against a zero floor.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return false
	}
	delete(r.agents, agentID)
	return true
}

// Get returns an agent's definition and executor.
func (r *Registry) Get(agentID string) (Definition, Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return Definition{}, nil, false
	}
	return e.def, e.executor, true
}

// Definitions returns all registered definitions, sorted by ID.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.agents))
	for _, e := range r.agents {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// ActiveInstances returns an agent's live instance count.
func (r *Registry) ActiveInstances(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.agents[agentID]; ok {
		return e.active
	}
	return 0
}

// CandidatesFor returns every agent eligible for the task: capability
// score at or above the minimum threshold and spare instance capacity.
// Sorted by descending capability score for deterministic tie-breaks.
func (r *Registry) CandidatesFor(task *scheduler.Task) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skills := requiredSkills(task)

	candidates := []Candidate{}
	for _, e := range r.agents {
		if e.active >= e.def.MaxConcurrentInstances {
			continue
		}
		score := r.capabilityScore(e.def, skills)
		if score < r.cfg.MinCapabilityScore {
			continue
		}
		candidates = append(candidates, Candidate{
			Definition:      e.def,
			Executor:        e.executor,
			CapabilityScore: score,
			ActiveInstances: e.active,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CapabilityScore != candidates[j].CapabilityScore {
			return candidates[i].CapabilityScore > candidates[j].CapabilityScore
		}
		return candidates[i].Definition.ID < candidates[j].Definition.ID
	})
	return candidates
}

// capabilityScore is the max over required skills of the agent's declared
// efficiency, with partial credit for related skills.
func (r *Registry) capabilityScore(def Definition, skills []string) float64 {
	best := 0.0
	for _, skill := range skills {
		if eff, ok := def.Capabilities[skill]; ok && eff > best {
			best = eff
		}
		for _, related := range r.cfg.RelatedSkills[skill] {
			if eff, ok := def.Capabilities[related]; ok {
				if credited := eff * r.cfg.PartialCreditMultiplier; credited > best {
					best = credited
				}
			}
		}
	}
	return best
}

// Acquire reserves an instance slot on an agent. Returns false when the
// agent is unknown or at capacity. Guarded by the per-agent lock so
// concurrent dispatch from multiple projects never exceeds the limit.
func (r *Registry) Acquire(agentID string) bool {
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok || e.active >= e.def.MaxConcurrentInstances {
		return false
	}
	e.active++
	return true
}

// Release frees an instance slot. Floors at zero so duplicated
// completion events cannot underflow the counter.
func (r *Registry) Release(agentID string) {
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[agentID]; ok && e.active > 0 {
		e.active--
	}
}

// requiredSkills merges the task's skill set with its type category.
func requiredSkills(task *scheduler.Task) []string {
	skills := append([]string(nil), task.Skills...)
	if task.Type != "" {
		skills = append(skills, task.Type)
	}
	return skills
}
