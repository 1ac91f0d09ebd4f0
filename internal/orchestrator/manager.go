// Package orchestrator drives project execution: it detects ready tasks,
// scores candidate agents, assigns work, tracks running instances, and
// reacts to completion, failure, and timeout events to unblock
// downstream tasks.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/performance"
	"github.com/aristath/dispatch/internal/quality"
	"github.com/aristath/dispatch/internal/scheduler"
)

// Store mirrors project state to durable storage. Atomic per key,
// last-write-wins; the in-memory graph remains authoritative.
type Store interface {
	SaveTaskGraph(ctx context.Context, projectID string, tasks []*scheduler.Task) error
}

// Config configures the orchestrator.
type Config struct {
	Strategy                   string        // Assignment strategy (default quality_weighted)
	InstanceTimeout            time.Duration // Execution deadline per instance (default 5m)
	PollInterval               time.Duration // Stale-state safety-net scan period (default 5s)
	StaleAfter                 time.Duration // Busy instance with no signal for this long is timed out (default 5m)
	RetryBackoffBase           time.Duration // Base delay before re-dispatching a retried task (default 500ms)
	DispatchConcurrency        int           // Concurrent executor dispatches (default 4)
	RoundRobinWindow           time.Duration // Sliding window for round_robin counts (default 1m)
	CapabilityWeight           float64       // Overall score term (default 0.5)
	PerformanceWeight          float64       // Overall score term (default 0.3)
	LoadWeight                 float64       // Overall score term (default 0.2)
	TolerateFailedDependencies bool          // Failed dependencies still resolve for dependents

	Assessor quality.Assessor // Optional quality collaborator
	Store    Store            // Optional durable mirror
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyQualityWeighted,
		InstanceTimeout:     5 * time.Minute,
		PollInterval:        5 * time.Second,
		StaleAfter:          5 * time.Minute,
		RetryBackoffBase:    500 * time.Millisecond,
		DispatchConcurrency: 4,
		RoundRobinWindow:    time.Minute,
		CapabilityWeight:    0.5,
		PerformanceWeight:   0.3,
		LoadWeight:          0.2,
	}
}

// TaskSpec describes one task of a new project, as produced by the
// planning layer.
type TaskSpec struct {
	ID                string
	Title             string
	Type              string
	Skills            []string
	MaxRetries        int
	EstimatedDuration time.Duration
}

// DependencyHint declares an edge between two tasks, optionally gated by
// a quality condition (see scheduler.ParseCondition).
type DependencyHint struct {
	From      string
	To        string
	Condition string
}

// Orchestrator composes the event bus, agent registry, performance
// scorer, and per-project task graphs into the control loop.
type Orchestrator struct {
	cfg             Config
	bus             *events.Bus
	registry        *agents.Registry
	scorer          *performance.Scorer
	breakers        *breakerRegistry
	tracker         *assignmentTracker
	scorerMaxWeight float64

	mu       sync.RWMutex
	projects map[string]*project

	rootCtx    context.Context
	rootCancel context.CancelFunc
	group      *errgroup.Group
	started    bool
}

// New creates an orchestrator. The scorer and registry are shared across
// projects; the bus carries every state transition.
func New(cfg Config, bus *events.Bus, registry *agents.Registry, scorer *performance.Scorer) *Orchestrator {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = def.InstanceTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = def.RetryBackoffBase
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = def.DispatchConcurrency
	}
	if cfg.RoundRobinWindow <= 0 {
		cfg.RoundRobinWindow = def.RoundRobinWindow
	}
	if cfg.CapabilityWeight == 0 && cfg.PerformanceWeight == 0 && cfg.LoadWeight == 0 {
		cfg.CapabilityWeight = def.CapabilityWeight
		cfg.PerformanceWeight = def.PerformanceWeight
		cfg.LoadWeight = def.LoadWeight
	}

	group := &errgroup.Group{}
	group.SetLimit(cfg.DispatchConcurrency)

	return &Orchestrator{
		cfg:             cfg,
		bus:             bus,
		registry:        registry,
		scorer:          scorer,
		breakers:        newBreakerRegistry(),
		tracker:         newAssignmentTracker(cfg.RoundRobinWindow),
		scorerMaxWeight: scorer.MaxWeight(),
		projects:        make(map[string]*project),
		group:           group,
	}
}

// Start launches the stale-execution safety-net loop. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.rootCtx, o.rootCancel = context.WithCancel(ctx)
	o.mu.Unlock()

	go o.pollLoop(o.rootCtx)
}

// Stop cancels all projects and waits for in-flight dispatches.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.projects))
	for id := range o.projects {
		ids = append(ids, id)
	}
	cancel := o.rootCancel
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.CancelProject(id); err != nil {
			log.Printf("WARNING: cancelling project %q on stop: %v", id, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	o.group.Wait()
}

// CreateProject builds and validates a task graph from the planning
// layer's task list and dependency hints. Graph-level errors (cycles,
// malformed conditions, unknown references) surface synchronously here;
// nothing executes until StartProject.
func (o *Orchestrator) CreateProject(specs []TaskSpec, deps []DependencyHint) (string, error) {
	graph := scheduler.NewGraph()
	graph.TolerateFailedDependencies(o.cfg.TolerateFailedDependencies)

	for _, spec := range specs {
		if spec.ID == "" {
			return "", &scheduler.ConfigurationError{Field: "task", Reason: "missing task ID"}
		}
		task := &scheduler.Task{
			ID:                spec.ID,
			Title:             spec.Title,
			Type:              spec.Type,
			Skills:            append([]string(nil), spec.Skills...),
			Status:            scheduler.StatusPending,
			MaxRetries:        spec.MaxRetries,
			EstimatedDuration: spec.EstimatedDuration,
		}
		if err := graph.AddNode(task); err != nil {
			return "", err
		}
	}

	for _, dep := range deps {
		if err := graph.AddEdge(dep.From, dep.To, dep.Condition); err != nil {
			return "", err
		}
	}

	if _, err := graph.Validate(); err != nil {
		return "", err
	}

	p := &project{
		id:        uuid.NewString(),
		graph:     graph,
		instances: make(map[string]*Instance),
		retryAt:   make(map[string]time.Time),
		backoffs:  make(map[string]*backoff.ExponentialBackOff),
	}

	o.mu.Lock()
	o.projects[p.id] = p
	o.mu.Unlock()

	return p.id, nil
}

// StartProject begins execution: it subscribes the project to tasks.ready
// and publishes the initial ready set. The orchestrator must be started.
func (o *Orchestrator) StartProject(projectID string) error {
	o.mu.RLock()
	root := o.rootCtx
	o.mu.RUnlock()
	if root == nil {
		return fmt.Errorf("orchestrator not started")
	}

	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	// Refuse cyclic graphs even if mutated since creation
	if _, err := p.graph.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(root)

	subID := o.bus.Subscribe(events.EventTasksReady, func(ctx context.Context, ev events.Event) error {
		data, ok := ev.Data.(events.ReadyEventData)
		if !ok || data.ProjectID != projectID {
			return nil
		}
		for _, taskID := range data.TaskIDs {
			o.assignTask(ctx, p, taskID)
		}
		return nil
	}, events.SubscribeOptions{Priority: events.PriorityHigh})
	p.subIDs = append(p.subIDs, subID)
	p.mu.Unlock()

	o.evaluateReadiness(context.Background(), p)
	return nil
}

// GetReadyTasks promotes and returns every task currently ready for
// assignment. Part of the polling surface for external callers.
func (o *Orchestrator) GetReadyTasks(projectID string) ([]*scheduler.Task, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.graph.PromoteReady()
	ready := []*scheduler.Task{}
	for _, task := range p.graph.Tasks() {
		if task.Status == scheduler.StatusReady {
			ready = append(ready, task)
		}
	}
	p.mu.Unlock()
	return ready, nil
}

// GetProjectStatus returns the caller-facing project view.
func (o *Orchestrator) GetProjectStatus(projectID string) (*ProjectStatus, error) {
	p, err := o.project(projectID)
	if err != nil {
		return nil, err
	}

	counts := p.graph.Progress()
	progress := 0.0
	if counts.Total > 0 {
		progress = float64(counts.Completed+counts.Failed) / float64(counts.Total) * 100
	}

	return &ProjectStatus{
		ProjectID:       projectID,
		Tasks:           p.graph.Tasks(),
		ProgressPercent: progress,
		CriticalPath:    p.graph.CriticalPath(),
		Done:            p.graph.Done(),
	}, nil
}

// ReportTaskOutcome finalizes one execution of a task: it records the
// outcome for performance scoring, applies the status transition, frees
// the agent slot, and re-evaluates downstream readiness. Idempotent: a
// duplicated report for an already finalized execution is a no-op.
func (o *Orchestrator) ReportTaskOutcome(ctx context.Context, projectID, taskID string, outcome agents.Outcome) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return nil
	}

	task, ok := p.graph.Get(taskID)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("task %q not found in project %q", taskID, projectID)
	}
	if task.Status != scheduler.StatusRunning {
		// Already finalized; the event-driven and polling paths may both
		// report the same execution
		p.mu.Unlock()
		return nil
	}

	agentID := task.AssignedAgentID
	if inst, live := p.liveInstance(taskID); live {
		o.finalizeInstance(inst, outcome)
	}

	if outcome.Success {
		o.handleCompletion(p, taskID, outcome)
	} else {
		o.handleFailure(ctx, p, task, outcome)
	}
	p.mu.Unlock()

	o.flush(ctx, p)
	if agentID != "" {
		o.scorer.Record(ctx, agentID, outcome)
	}
	o.evaluateReadiness(ctx, p)
	o.saveSnapshot(ctx, p)
	return nil
}

// handleCompletion marks the node completed. Caller holds p.mu.
func (o *Orchestrator) handleCompletion(p *project, taskID string, outcome agents.Outcome) {
	if err := p.graph.MarkCompleted(taskID, outcome.QualityScore); err != nil {
		log.Printf("ERROR: marking task %q completed: %v", taskID, err)
		return
	}
	delete(p.retryAt, taskID)
	delete(p.backoffs, taskID)
	o.queueLocked(p, events.EventTaskCompleted, events.TaskEventData{
		ProjectID:    p.id,
		TaskID:       taskID,
		AgentID:      outcomeAgent(p, taskID),
		QualityScore: outcome.QualityScore,
	})
}

// handleFailure applies the bounded retry policy. Caller holds p.mu.
func (o *Orchestrator) handleFailure(ctx context.Context, p *project, task *scheduler.Task, outcome agents.Outcome) {
	taskID := task.ID

	if outcome.Reason == "timeout" {
		o.queueLocked(p, events.EventTaskTimeout, events.TaskEventData{
			ProjectID: p.id, TaskID: taskID, AgentID: task.AssignedAgentID,
		})
	}

	retryCount, err := p.graph.IncrementRetry(taskID)
	if err != nil {
		log.Printf("ERROR: incrementing retry for task %q: %v", taskID, err)
		return
	}

	retryable := outcome.Reason != "cancelled"
	if retryable && retryCount < task.MaxRetries {
		// Bounded retry: back to ready with the dependency state it was
		// first dispatched under; no re-validation of upstream gates
		_ = p.graph.MarkFailed(taskID)
		_ = p.graph.MarkReady(taskID)
		o.queueLocked(p, events.EventTaskRetry, events.TaskEventData{
			ProjectID: p.id, TaskID: taskID, Attempt: retryCount, Reason: outcome.Reason,
		})

		// Readiness scans skip the task until the deadline passes; the
		// delayed publish is what re-dispatches it
		delay := o.retryDelayLocked(p, taskID)
		p.retryAt[taskID] = time.Now().Add(delay)
		time.AfterFunc(delay, func() {
			o.publish(context.Background(), p, events.EventTasksReady, events.ReadyEventData{
				ProjectID: p.id, TaskIDs: []string{taskID},
			})
		})
		return
	}

	_ = p.graph.MarkFailed(taskID)
	delete(p.retryAt, taskID)
	delete(p.backoffs, taskID)
	o.queueLocked(p, events.EventTaskFailed, events.TaskEventData{
		ProjectID: p.id, TaskID: taskID, AgentID: task.AssignedAgentID,
		Attempt: retryCount, Reason: outcome.Reason,
	})

	// Advisory only: dependents are not auto-aborted
	if p.graph.OnCriticalPath(taskID) {
		o.queueLocked(p, events.EventProjectCriticalFail, events.TaskEventData{
			ProjectID: p.id, TaskID: taskID, Reason: outcome.Reason,
		})
	}
}

// retryDelayLocked returns the next re-dispatch delay for a task,
// doubling per attempt from RetryBackoffBase. Caller holds p.mu.
func (o *Orchestrator) retryDelayLocked(p *project, taskID string) time.Duration {
	bo, ok := p.backoffs[taskID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = o.cfg.RetryBackoffBase
		bo.RandomizationFactor = 0
		bo.Multiplier = 2
		bo.MaxElapsedTime = 0
		bo.Reset()
		p.backoffs[taskID] = bo
	}
	return bo.NextBackOff()
}

// CancelTask terminates a task's live instance and marks the task failed.
// Already satisfied downstream dependents stay ready.
func (o *Orchestrator) CancelTask(projectID, taskID string) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	task, ok := p.graph.Get(taskID)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("task %q not found in project %q", taskID, projectID)
	}
	if task.Terminal() {
		p.mu.Unlock()
		return nil
	}

	inst, live := p.liveInstance(taskID)
	if live {
		o.finalizeInstance(inst, agents.Outcome{Success: false, Reason: "cancelled"})
		inst.Status = InstanceTerminated
	}
	_ = p.graph.MarkFailed(taskID)
	o.queueLocked(p, events.EventTaskFailed, events.TaskEventData{
		ProjectID: projectID, TaskID: taskID, Reason: "cancelled",
	})
	p.mu.Unlock()

	o.flush(context.Background(), p)
	return nil
}

// CancelProject tears down all live instances and stops further
// readiness evaluation for the project's graph.
func (o *Orchestrator) CancelProject(projectID string) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return nil
	}
	p.cancelled = true
	for _, inst := range p.instances {
		if inst.Status == InstanceBusy {
			o.finalizeInstance(inst, agents.Outcome{Success: false, Reason: "cancelled"})
			inst.Status = InstanceTerminated
		}
	}
	subIDs := p.subIDs
	p.subIDs = nil
	cancel := p.cancel
	p.mu.Unlock()

	for _, id := range subIDs {
		o.bus.Unsubscribe(id)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// RerunTask returns a completed or failed task to ready for another
// execution, clearing its previous quality score. The planning layer
// uses this when a task completed below a downstream quality gate, which
// would otherwise leave the dependent pending indefinitely.
func (o *Orchestrator) RerunTask(ctx context.Context, projectID, taskID string) error {
	p, err := o.project(projectID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	switch {
	case p.cancelled:
		p.mu.Unlock()
		return fmt.Errorf("project %q is cancelled", projectID)
	case p.finished:
		p.mu.Unlock()
		return fmt.Errorf("project %q already finished", projectID)
	case !p.started:
		p.mu.Unlock()
		return fmt.Errorf("project %q not started", projectID)
	}
	if err := p.graph.Rerun(taskID); err != nil {
		p.mu.Unlock()
		return err
	}
	// A re-run starts with a fresh backoff schedule
	delete(p.retryAt, taskID)
	delete(p.backoffs, taskID)
	p.mu.Unlock()

	o.publish(ctx, p, events.EventTasksReady, events.ReadyEventData{
		ProjectID: p.id, TaskIDs: []string{taskID},
	})
	o.saveSnapshot(ctx, p)
	return nil
}

// assignTask picks the best eligible agent for a ready task and spawns an
// instance. With no eligible agent the task returns to pending and a
// task.assignment.failed event is published; the next readiness scan or
// weight update re-attempts it.
func (o *Orchestrator) assignTask(ctx context.Context, p *project, taskID string) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}

	task, ok := p.graph.Get(taskID)
	if !ok || task.Status != scheduler.StatusReady {
		p.mu.Unlock()
		return
	}

	candidates := o.registry.CandidatesFor(task)
	eligible := candidates[:0]
	for _, c := range candidates {
		if o.breakers.available(c.Definition.ID) {
			eligible = append(eligible, c)
		}
	}

	ordered := o.pickCandidate(o.scoreCandidates(eligible))

	var chosen *scoredCandidate
	for i := range ordered {
		if o.registry.Acquire(ordered[i].Definition.ID) {
			chosen = &ordered[i]
			break
		}
	}

	if chosen == nil {
		// Stays pending; re-attempted on the next scan
		_ = p.graph.SetStatus(taskID, scheduler.StatusPending)
		o.queueLocked(p, events.EventTaskAssignmentFailed, events.TaskEventData{
			ProjectID: p.id, TaskID: taskID,
		})
		p.mu.Unlock()
		o.flush(ctx, p)
		return
	}

	agentID := chosen.Definition.ID
	ictx, icancel := context.WithCancel(p.ctx)
	inst := &Instance{
		ID:        uuid.NewString(),
		ProjectID: p.id,
		TaskID:    taskID,
		AgentID:   agentID,
		StartTime: time.Now(),
		Status:    InstanceBusy,
		cancel:    icancel,
	}
	inst.timer = time.AfterFunc(o.cfg.InstanceTimeout, func() {
		o.onInstanceTimeout(p, inst)
	})
	p.instances[taskID] = inst

	if err := p.graph.MarkRunning(taskID, agentID); err != nil {
		log.Printf("ERROR: marking task %q running: %v", taskID, err)
	}
	delete(p.retryAt, taskID)
	o.tracker.record(agentID)

	o.queueLocked(p, events.EventTaskAssigned, events.TaskEventData{
		ProjectID: p.id, TaskID: taskID, AgentID: agentID, InstanceID: inst.ID,
	})
	executor := chosen.Executor
	snapshot := *task
	p.mu.Unlock()

	o.flush(ctx, p)
	if executor != nil {
		o.group.Go(func() error {
			o.dispatch(ictx, p, inst, executor, snapshot)
			return nil
		})
	}
}

// dispatch runs one executor through the agent's circuit breaker, scores
// the output via the quality collaborator, and reports the outcome.
func (o *Orchestrator) dispatch(ctx context.Context, p *project, inst *Instance, executor agents.Agent, task scheduler.Task) {
	start := time.Now()
	outcome, err := o.breakers.execute(ctx, inst.AgentID, executor, task)
	if outcome.Elapsed == 0 {
		outcome.Elapsed = time.Since(start)
	}

	if err != nil {
		outcome.Success = false
		if outcome.Reason == "" {
			if ctx.Err() != nil {
				outcome.Reason = "cancelled"
			} else {
				outcome.Reason = "error"
			}
		}
	} else if outcome.Success && !outcome.Scored && o.cfg.Assessor != nil {
		assessment, aerr := o.cfg.Assessor.Assess(ctx, task.ID, outcome.Output)
		if aerr != nil {
			log.Printf("WARNING: quality assessment for task %q: %v", task.ID, aerr)
		} else {
			outcome.QualityScore = assessment.OverallScore
			outcome.Scored = true
		}
	}

	if rerr := o.ReportTaskOutcome(context.Background(), p.id, task.ID, outcome); rerr != nil {
		log.Printf("ERROR: reporting outcome for task %q: %v", task.ID, rerr)
	}
}

// onInstanceTimeout handles a deadline expiry: identical to an execution
// failure with reason=timeout. A no-op if the instance already finalized.
func (o *Orchestrator) onInstanceTimeout(p *project, inst *Instance) {
	p.mu.Lock()
	stillBusy := inst.Status == InstanceBusy
	p.mu.Unlock()
	if !stillBusy {
		return
	}

	err := o.ReportTaskOutcome(context.Background(), p.id, inst.TaskID, agents.Outcome{
		Success: false,
		Reason:  "timeout",
		Elapsed: time.Since(inst.StartTime),
	})
	if err != nil {
		log.Printf("ERROR: reporting timeout for task %q: %v", inst.TaskID, err)
	}
}

// finalizeInstance stops the deadline timer, cancels the dispatch, and
// releases the agent slot exactly once. Caller holds p.mu.
func (o *Orchestrator) finalizeInstance(inst *Instance, outcome agents.Outcome) {
	if inst.Status != InstanceBusy {
		return
	}
	if outcome.Success {
		inst.Status = InstanceCompleted
	} else {
		inst.Status = InstanceFailed
	}
	if inst.timer != nil {
		inst.timer.Stop()
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	o.registry.Release(inst.AgentID)
}

// evaluateReadiness promotes newly unblocked nodes, publishes tasks.ready,
// and detects project completion. Idempotent; also run by the polling
// safety net.
func (o *Orchestrator) evaluateReadiness(ctx context.Context, p *project) {
	p.mu.Lock()
	if p.cancelled || !p.started {
		p.mu.Unlock()
		return
	}
	p.graph.PromoteReady()

	// Include previously promoted but still unassigned tasks so a lost
	// ready event self-heals on the next evaluation. A retried task waits
	// out its backoff before it reappears here.
	now := time.Now()
	readyIDs := []string{}
	for _, task := range p.graph.Tasks() {
		if task.Status != scheduler.StatusReady {
			continue
		}
		if at, ok := p.retryAt[task.ID]; ok && now.Before(at) {
			continue
		}
		readyIDs = append(readyIDs, task.ID)
	}
	done := p.graph.Done()
	finished := p.finished
	if done {
		p.finished = true
	}
	p.mu.Unlock()

	if len(readyIDs) > 0 {
		o.publish(ctx, p, events.EventTasksReady, events.ReadyEventData{
			ProjectID: p.id, TaskIDs: readyIDs,
		})
	}
	if done && !finished {
		o.finishProject(ctx, p)
	}
}

// finishProject publishes the completion event, distinguishing full
// success from completion with failures, and releases project resources.
func (o *Orchestrator) finishProject(ctx context.Context, p *project) {
	counts := p.graph.Progress()
	data := events.ProjectEventData{
		ProjectID: p.id,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	}

	eventType := events.EventProjectCompleted
	if counts.Failed > 0 {
		eventType = events.EventProjectPartialFailure
	}
	o.publish(ctx, p, eventType, data)
	o.saveSnapshot(ctx, p)

	p.mu.Lock()
	subIDs := p.subIDs
	p.subIDs = nil
	cancel := p.cancel
	p.mu.Unlock()

	for _, id := range subIDs {
		o.bus.Unsubscribe(id)
	}
	if cancel != nil {
		cancel()
	}
}

// pollLoop is the low-frequency safety net: it re-detects stale busy
// instances and re-runs readiness evaluation, both idempotent with the
// event-driven path.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// sweep times out stale executions and re-evaluates every active project.
func (o *Orchestrator) sweep(ctx context.Context) {
	o.mu.RLock()
	ps := make([]*project, 0, len(o.projects))
	for _, p := range o.projects {
		ps = append(ps, p)
	}
	o.mu.RUnlock()

	for _, p := range ps {
		p.mu.Lock()
		if p.cancelled || !p.started || p.finished {
			p.mu.Unlock()
			continue
		}
		stale := []*Instance{}
		for _, inst := range p.instances {
			if inst.Status == InstanceBusy && time.Since(inst.StartTime) > o.cfg.StaleAfter {
				stale = append(stale, inst)
			}
		}
		p.mu.Unlock()

		for _, inst := range stale {
			o.onInstanceTimeout(p, inst)
		}
		o.evaluateReadiness(ctx, p)
	}
}

// publish emits a project-scoped event; failures are logged, never
// propagated to unrelated callers.
func (o *Orchestrator) publish(ctx context.Context, p *project, eventType string, data any) {
	_, err := o.bus.Publish(ctx, eventType, data, events.PublishOptions{
		CorrelationID: p.id,
		Priority:      events.PriorityNormal,
	})
	if err != nil {
		log.Printf("WARNING: publishing %s for project %q: %v", eventType, p.id, err)
	}
}

// queueLocked stages an event during a locked mutation. Caller holds
// p.mu and must call flush after releasing it.
func (o *Orchestrator) queueLocked(p *project, eventType string, data any) {
	p.pending = append(p.pending, pendingEvent{eventType: eventType, data: data})
}

// flush publishes queued events in order. Handlers may queue more while
// running, so it drains until the queue is empty.
func (o *Orchestrator) flush(ctx context.Context, p *project) {
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		queued := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, ev := range queued {
			o.publish(ctx, p, ev.eventType, ev.data)
		}
	}
}

// saveSnapshot mirrors the project's tasks to the durable store.
func (o *Orchestrator) saveSnapshot(ctx context.Context, p *project) {
	if o.cfg.Store == nil {
		return
	}
	if err := o.cfg.Store.SaveTaskGraph(ctx, p.id, p.graph.Tasks()); err != nil {
		log.Printf("WARNING: mirroring project %q: %v", p.id, err)
	}
}

// project looks up a project by ID.
func (o *Orchestrator) project(projectID string) (*project, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %q not found", projectID)
	}
	return p, nil
}

// outcomeAgent returns the agent recorded on a task node.
func outcomeAgent(p *project, taskID string) string {
	if task, ok := p.graph.Get(taskID); ok {
		return task.AssignedAgentID
	}
	return ""
}
