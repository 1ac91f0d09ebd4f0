package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Graph is the dependency graph for one project: task nodes, dependency
// edges, and derived execution metadata. Must be a DAG; Validate reports
// a CycleError otherwise and execution must not start.
type Graph struct {
	mu             sync.RWMutex
	nodes          map[string]*Task    // All tasks indexed by ID
	dependents     map[string][]string // taskID -> tasks that depend on it
	tolerateFailed bool                // Treat failed dependencies as resolved
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// TolerateFailedDependencies controls whether a terminally failed
// dependency still resolves for its dependents. Off by default.
func (g *Graph) TolerateFailedDependencies(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tolerateFailed = v
}

// AddNode adds a task to the graph. Returns an error if the ID exists.
// Edges carried on the task are indexed for downstream lookup.
func (g *Graph) AddNode(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	if task.History == nil {
		task.History = []HistoryEntry{{Status: task.Status, Timestamp: time.Now()}}
	}
	g.nodes[task.ID] = task

	for _, edge := range task.Dependencies {
		g.dependents[edge.FromID] = append(g.dependents[edge.FromID], task.ID)
	}

	return nil
}

// AddEdge adds a dependency from one task to another with an optional
// condition string (see ParseCondition). Malformed conditions and unknown
// node IDs are configuration errors.
func (g *Graph) AddEdge(fromID, toID, condition string) error {
	cond, err := ParseCondition(condition)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[fromID]; !ok {
		return &ConfigurationError{Field: "edge", Reason: fmt.Sprintf("unknown source task %q", fromID)}
	}
	to, ok := g.nodes[toID]
	if !ok {
		return &ConfigurationError{Field: "edge", Reason: fmt.Sprintf("unknown target task %q", toID)}
	}

	to.Dependencies = append(to.Dependencies, DependencyEdge{FromID: fromID, Condition: cond})
	g.dependents[fromID] = append(g.dependents[fromID], toID)
	return nil
}

// Validate verifies all dependency references exist and the graph is
// acyclic. Returns the topological order, or a CycleError naming the
// cycle members.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for taskID, task := range g.nodes {
		for _, edge := range task.Dependencies {
			if _, exists := g.nodes[edge.FromID]; !exists {
				return nil, &ConfigurationError{
					Field:  "edge",
					Reason: fmt.Sprintf("task %q depends on non-existent task %q", taskID, edge.FromID),
				}
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Members: cycle}
	}

	var edges []toposort.Edge
	for taskID, task := range g.nodes {
		if len(task.Dependencies) == 0 {
			// Ensure isolated tasks appear in the order
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, edge := range task.Dependencies {
				edges = append(edges, toposort.Edge{edge.FromID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("topological sort failed: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// TopologicalOrder returns the topologically sorted task IDs.
func (g *Graph) TopologicalOrder() ([]string, error) {
	return g.Validate()
}

// findCycle runs a DFS with visiting/visited coloring and returns the
// member list of the first back-edge cycle found, or nil.
// Caller must hold at least a read lock.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		for _, edge := range g.nodes[id].Dependencies {
			depID := edge.FromID
			if _, ok := g.nodes[depID]; !ok {
				continue
			}
			switch color[depID] {
			case gray:
				// Back edge: extract the cycle from the stack
				for i, sid := range stack {
					if sid == depID {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
				cycle = []string{depID, id}
				return true
			case white:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for id := range g.nodes {
		if color[id] == white {
			stack = stack[:0]
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// ReadyNodes returns every pending node whose dependency conditions all
// currently hold, evaluated against the live state of each source node.
// Read-only; PromoteReady performs the corresponding transition.
func (g *Graph) ReadyNodes() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ready := []*Task{}
	for _, task := range g.nodes {
		if task.Status != StatusPending {
			continue
		}
		if g.conditionsHold(task) {
			ready = append(ready, cloneTask(task))
		}
	}
	return ready
}

// PromoteReady transitions every eligible pending node to ready and
// returns the newly promoted tasks. Safe to call after any mutation;
// nodes already promoted are not returned again.
func (g *Graph) PromoteReady() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	promoted := []*Task{}
	for _, task := range g.nodes {
		if task.Status != StatusPending {
			continue
		}
		if g.conditionsHold(task) {
			g.transition(task, StatusReady)
			promoted = append(promoted, cloneTask(task))
		}
	}
	return promoted
}

// conditionsHold evaluates every incoming edge of a task against the
// current state of its source node. Caller must hold a lock.
func (g *Graph) conditionsHold(task *Task) bool {
	for _, edge := range task.Dependencies {
		dep, exists := g.nodes[edge.FromID]
		if !exists {
			return false
		}
		if !g.dependencyResolved(dep) {
			return false
		}
		if !edge.Condition.Evaluate(dep.QualityScore) {
			return false
		}
	}
	return true
}

// dependencyResolved reports whether a source node counts as resolved.
func (g *Graph) dependencyResolved(dep *Task) bool {
	switch dep.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return g.tolerateFailed
	}
	return false
}

// transition applies a status change and appends to execution history.
// No-op if the status is unchanged, so replayed events never
// double-append.
func (g *Graph) transition(task *Task, status Status) {
	if task.Status == status {
		return
	}
	task.Status = status
	task.History = append(task.History, HistoryEntry{Status: status, Timestamp: time.Now()})
}

// SetStatus applies an arbitrary status transition. Prefer the Mark*
// helpers, which carry the fields each transition needs.
func (g *Graph) SetStatus(taskID string, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	g.transition(task, status)
	return nil
}

// MarkReady sets a task to ready without re-evaluating its dependency
// conditions. Used by the retry path, which deliberately returns a task
// to ready with the dependency state it was first dispatched under.
func (g *Graph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	g.transition(task, StatusReady)
	return nil
}

// MarkRunning sets a task to running and records the executing agent.
func (g *Graph) MarkRunning(taskID, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	task.AssignedAgentID = agentID
	g.transition(task, StatusRunning)
	return nil
}

// MarkCompleted sets a task to completed and stores its quality score.
// Re-marking an already completed node is a no-op, so a duplicated
// completion event cannot double-append history.
func (g *Graph) MarkCompleted(taskID string, quality float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status == StatusCompleted {
		return nil
	}
	task.QualityScore = &quality
	g.transition(task, StatusCompleted)
	return nil
}

// MarkFailed sets a task to failed. Terminal unless the orchestrator
// returns it to ready for a retry.
func (g *Graph) MarkFailed(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	g.transition(task, StatusFailed)
	return nil
}

// Rerun returns a completed or failed task to ready for another
// execution, clearing its previous score and agent. The planning layer
// uses this when a task's quality leaves a downstream gate unmet and a
// fresh attempt is wanted.
func (g *Graph) Rerun(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != StatusCompleted && task.Status != StatusFailed {
		return fmt.Errorf("task %q is %s, only finished tasks can be re-run", taskID, task.Status)
	}
	task.QualityScore = nil
	task.AssignedAgentID = ""
	g.transition(task, StatusReady)
	return nil
}

// IncrementRetry bumps a task's retry counter and returns the new count.
func (g *Graph) IncrementRetry(taskID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return 0, fmt.Errorf("task %q not found", taskID)
	}
	task.RetryCount++
	return task.RetryCount, nil
}

// Get returns a copy of a task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.nodes[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.nodes))
	for _, task := range g.nodes {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks
}

// Counts summarizes node statuses.
type Counts struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
}

// Progress returns current status counts.
func (g *Graph) Progress() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := Counts{Total: len(g.nodes)}
	for _, task := range g.nodes {
		switch task.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Done reports whether every node is terminal and no further work exists.
func (g *Graph) Done() bool {
	c := g.Progress()
	return c.Total > 0 && c.Pending == 0 && c.Ready == 0 && c.Running == 0
}

// CriticalPath returns the longest chain of dependent tasks weighted by
// estimated duration, from any source to any sink. Reporting and
// prioritization only; never used for correctness. Returns nil on a
// cyclic graph.
func (g *Graph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.findCycle() != nil {
		return nil
	}

	type result struct {
		dur  time.Duration
		path []string
	}
	memo := make(map[string]result, len(g.nodes))

	// longestFrom walks dependents, so the returned path runs source -> sink.
	var longestFrom func(id string) result
	longestFrom = func(id string) result {
		if r, ok := memo[id]; ok {
			return r
		}

		best := result{}
		for _, depID := range g.dependents[id] {
			if _, ok := g.nodes[depID]; !ok {
				continue
			}
			if r := longestFrom(depID); r.dur > best.dur {
				best = r
			}
		}

		r := result{
			dur:  g.nodes[id].EstimatedDuration + best.dur,
			path: append([]string{id}, best.path...),
		}
		memo[id] = r
		return r
	}

	var best result
	for id, task := range g.nodes {
		if len(task.Dependencies) > 0 {
			continue // only start from sources
		}
		if r := longestFrom(id); r.dur > best.dur {
			best = r
		}
	}
	return best.path
}

// OnCriticalPath reports whether a task sits on the current critical path.
func (g *Graph) OnCriticalPath(taskID string) bool {
	for _, id := range g.CriticalPath() {
		if id == taskID {
			return true
		}
	}
	return false
}
