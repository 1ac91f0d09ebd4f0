package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/performance"
	"github.com/aristath/dispatch/internal/quality"
	"github.com/aristath/dispatch/internal/scheduler"
)

// recorder captures every bus event for post-hoc assertions.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) record(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) has(eventType string) bool { return r.count(eventType) > 0 }

type fixture struct {
	orch     *Orchestrator
	bus      *events.Bus
	registry *agents.Registry
	rec      *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	registry := agents.NewRegistry(agents.RegistryConfig{})
	scorer := performance.NewScorer(performance.DefaultConfig(), registry, nil)
	orch := New(cfg, bus, registry, scorer)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch.Start(ctx)
	t.Cleanup(orch.Stop)

	rec := &recorder{}
	bus.Subscribe("**", rec.record, events.SubscribeOptions{Priority: events.PriorityLow})

	return &fixture{orch: orch, bus: bus, registry: registry, rec: rec}
}

// registerAgent adds a broadly capable agent, by default without an
// executor so tests drive outcomes through ReportTaskOutcome.
func (f *fixture) registerAgent(t *testing.T, id string, executor agents.Agent) {
	t.Helper()
	err := f.registry.Register(agents.Definition{
		ID:   id,
		Name: id,
		Capabilities: map[string]float64{
			"backend": 0.9, "coding": 0.9, "review": 0.9, "testing": 0.9,
		},
		MaxConcurrentInstances: 4,
	}, executor)
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func (f *fixture) taskStatus(t *testing.T, projectID, taskID string) scheduler.Status {
	t.Helper()
	status, err := f.orch.GetProjectStatus(projectID)
	if err != nil {
		t.Fatalf("GetProjectStatus: %v", err)
	}
	for _, task := range status.Tasks {
		if task.ID == taskID {
			return task.Status
		}
	}
	t.Fatalf("task %q not found", taskID)
	return scheduler.StatusPending
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ok(quality float64) agents.Outcome {
	return agents.Outcome{Success: true, QualityScore: quality, Elapsed: time.Second}
}

func fail(reason string) agents.Outcome {
	return agents.Outcome{Success: false, Reason: reason, Elapsed: time.Second}
}

func TestCreateProjectValidation(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name  string
		specs []TaskSpec
		deps  []DependencyHint
		check func(t *testing.T, err error)
	}{
		{
			"missing task ID",
			[]TaskSpec{{Title: "anonymous"}},
			nil,
			func(t *testing.T, err error) {
				var cfgErr *scheduler.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("err = %v, want ConfigurationError", err)
				}
			},
		},
		{
			"unknown dependency target",
			[]TaskSpec{{ID: "a"}},
			[]DependencyHint{{From: "a", To: "ghost"}},
			func(t *testing.T, err error) {
				var cfgErr *scheduler.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("err = %v, want ConfigurationError", err)
				}
			},
		},
		{
			"malformed condition",
			[]TaskSpec{{ID: "a"}, {ID: "b"}},
			[]DependencyHint{{From: "a", To: "b", Condition: ">= banana"}},
			func(t *testing.T, err error) {
				var cfgErr *scheduler.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Errorf("err = %v, want ConfigurationError", err)
				}
			},
		},
		{
			"cycle",
			[]TaskSpec{{ID: "a"}, {ID: "b"}},
			[]DependencyHint{{From: "a", To: "b"}, {From: "b", To: "a"}},
			func(t *testing.T, err error) {
				var cycleErr *scheduler.CycleError
				if !errors.As(err, &cycleErr) {
					t.Errorf("err = %v, want CycleError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.CreateProject(tt.specs, tt.deps)
			if err == nil {
				t.Fatal("CreateProject succeeded, want error")
			}
			tt.check(t, err)
		})
	}
}

func TestProjectLifecycleWithQualityGates(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, err := f.orch.CreateProject(
		[]TaskSpec{
			{ID: "setup", Type: "backend"},
			{ID: "build", Type: "backend"},
			{ID: "review", Type: "review"},
		},
		[]DependencyHint{
			{From: "setup", To: "build"},
			{From: "build", To: "review", Condition: ">= 0.8"},
		},
	)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	// The ready event is handled synchronously: setup is already running
	if got := f.taskStatus(t, projectID, "setup"); got != scheduler.StatusRunning {
		t.Fatalf("setup status after start = %s, want running", got)
	}
	if got := f.taskStatus(t, projectID, "build"); got != scheduler.StatusPending {
		t.Fatalf("build status before setup completes = %s, want pending", got)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "setup", ok(0.9)); err != nil {
		t.Fatalf("ReportTaskOutcome(setup): %v", err)
	}
	if got := f.taskStatus(t, projectID, "build"); got != scheduler.StatusRunning {
		t.Fatalf("build status after setup completes = %s, want running", got)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "build", ok(0.85)); err != nil {
		t.Fatalf("ReportTaskOutcome(build): %v", err)
	}
	if got := f.taskStatus(t, projectID, "review"); got != scheduler.StatusRunning {
		t.Fatalf("review status after build passes gate = %s, want running", got)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "review", ok(0.95)); err != nil {
		t.Fatalf("ReportTaskOutcome(review): %v", err)
	}

	status, err := f.orch.GetProjectStatus(projectID)
	if err != nil {
		t.Fatalf("GetProjectStatus: %v", err)
	}
	if !status.Done {
		t.Error("project not done after all tasks completed")
	}
	if status.ProgressPercent != 100 {
		t.Errorf("progress = %v, want 100", status.ProgressPercent)
	}
	if !f.rec.has(events.EventProjectCompleted) {
		t.Error("project.completed event not published")
	}
	if f.rec.count(events.EventTaskCompleted) != 3 {
		t.Errorf("task.completed events = %d, want 3", f.rec.count(events.EventTaskCompleted))
	}
}

func TestQualityGateBlocksPromotion(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "build", Type: "backend"}, {ID: "review", Type: "review"}},
		[]DependencyHint{{From: "build", To: "review", Condition: ">= 0.8"}},
	)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	// Completed, but just below the gate
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "build", ok(0.79)); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}

	if got := f.taskStatus(t, projectID, "review"); got != scheduler.StatusPending {
		t.Errorf("review status behind unmet gate = %s, want pending", got)
	}
	if f.rec.has(events.EventProjectCompleted) {
		t.Error("project completed with an unmet quality gate outstanding")
	}
}

func TestRetryThenExhaustion(t *testing.T) {
	f := newFixture(t, Config{RetryBackoffBase: time.Millisecond})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "flaky", Type: "backend", MaxRetries: 2}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	// First failure: retryCount 1 < 2, task re-dispatches after backoff
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "flaky", fail("error")); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}
	if !f.rec.has(events.EventTaskRetry) {
		t.Fatal("task.retry event not published after first failure")
	}
	waitFor(t, "retry re-dispatch", func() bool {
		return f.taskStatus(t, projectID, "flaky") == scheduler.StatusRunning
	})

	// Second failure: retryCount 2 == maxRetries, terminal
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "flaky", fail("error")); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}

	if got := f.taskStatus(t, projectID, "flaky"); got != scheduler.StatusFailed {
		t.Fatalf("status after exhausted retries = %s, want failed", got)
	}
	if got := f.rec.count(events.EventTaskRetry); got != 1 {
		t.Errorf("task.retry events = %d, want 1", got)
	}
	if !f.rec.has(events.EventTaskFailed) {
		t.Error("task.failed event not published on exhaustion")
	}
	if !f.rec.has(events.EventProjectPartialFailure) {
		t.Error("project.completed.with.failures not published")
	}
	// A single task is trivially on the critical path
	if !f.rec.has(events.EventProjectCriticalFail) {
		t.Error("project.critical.failure advisory not published")
	}
}

func TestRetryWaitsOutBackoffBeforeRedispatch(t *testing.T) {
	f := newFixture(t, Config{RetryBackoffBase: 300 * time.Millisecond})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "flaky", Type: "backend", MaxRetries: 2}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "flaky", fail("error")); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}

	// The task must sit out the backoff, not re-dispatch synchronously
	if got := f.taskStatus(t, projectID, "flaky"); got != scheduler.StatusReady {
		t.Fatalf("status right after failure = %s, want ready until backoff elapses", got)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.taskStatus(t, projectID, "flaky"); got != scheduler.StatusReady {
		t.Fatalf("status during backoff window = %s, want ready", got)
	}

	waitFor(t, "re-dispatch after backoff", func() bool {
		return f.taskStatus(t, projectID, "flaky") == scheduler.StatusRunning
	})
}

func TestRerunLiftsUnmetQualityGate(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "build", Type: "backend"}, {ID: "review", Type: "review"}},
		[]DependencyHint{{From: "build", To: "review", Condition: ">= 0.8"}},
	)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	// Completed below the gate: review is stuck pending
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "build", ok(0.75)); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}
	if got := f.taskStatus(t, projectID, "review"); got != scheduler.StatusPending {
		t.Fatalf("review status behind unmet gate = %s, want pending", got)
	}

	// A rerun dispatches build again immediately
	if err := f.orch.RerunTask(context.Background(), projectID, "build"); err != nil {
		t.Fatalf("RerunTask: %v", err)
	}
	if got := f.taskStatus(t, projectID, "build"); got != scheduler.StatusRunning {
		t.Fatalf("build status after rerun = %s, want running", got)
	}

	// This time the score passes the gate and the project completes
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "build", ok(0.85)); err != nil {
		t.Fatalf("second ReportTaskOutcome: %v", err)
	}
	if got := f.taskStatus(t, projectID, "review"); got != scheduler.StatusRunning {
		t.Fatalf("review status after passing rerun = %s, want running", got)
	}
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "review", ok(0.9)); err != nil {
		t.Fatalf("ReportTaskOutcome(review): %v", err)
	}

	status, err := f.orch.GetProjectStatus(projectID)
	if err != nil {
		t.Fatalf("GetProjectStatus: %v", err)
	}
	if !status.Done {
		t.Error("project not done after rerun lifted the gate")
	}
	if !f.rec.has(events.EventProjectCompleted) {
		t.Error("project.completed event not published")
	}
}

func TestRerunTaskValidation(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.RerunTask(context.Background(), projectID, "a"); err == nil {
		t.Error("RerunTask on running task succeeded, want error")
	}
	if err := f.orch.RerunTask(context.Background(), projectID, "ghost"); err == nil {
		t.Error("RerunTask on unknown task succeeded, want error")
	}
	if err := f.orch.RerunTask(context.Background(), "no-such-project", "a"); err == nil {
		t.Error("RerunTask on unknown project succeeded, want error")
	}
}

func TestCancelledOutcomeDoesNotRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "a", Type: "backend", MaxRetries: 3}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "a", fail("cancelled")); err != nil {
		t.Fatalf("ReportTaskOutcome: %v", err)
	}

	if got := f.taskStatus(t, projectID, "a"); got != scheduler.StatusFailed {
		t.Errorf("status = %s, want failed without retry", got)
	}
	if f.rec.has(events.EventTaskRetry) {
		t.Error("cancelled outcome triggered a retry")
	}
}

func TestDuplicateOutcomeReportIsNoOp(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "a", ok(0.9)); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "a", fail("error")); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}

	if got := f.taskStatus(t, projectID, "a"); got != scheduler.StatusCompleted {
		t.Errorf("status after duplicate report = %s, want completed", got)
	}
	if got := f.rec.count(events.EventTaskCompleted); got != 1 {
		t.Errorf("task.completed events = %d, want 1", got)
	}
	if got := f.registry.ActiveInstances("dev"); got != 0 {
		t.Errorf("ActiveInstances after duplicate report = %d, want 0", got)
	}
}

func TestNoEligibleAgentReturnsTaskToPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil) // no design capability

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "mockups", Type: "design"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if got := f.taskStatus(t, projectID, "mockups"); got != scheduler.StatusPending {
		t.Errorf("status with no eligible agent = %s, want pending", got)
	}
	if !f.rec.has(events.EventTaskAssignmentFailed) {
		t.Error("task.assignment.failed event not published")
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.CancelTask(projectID, "a"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if got := f.taskStatus(t, projectID, "a"); got != scheduler.StatusFailed {
		t.Errorf("status after cancel = %s, want failed", got)
	}
	if got := f.registry.ActiveInstances("dev"); got != 0 {
		t.Errorf("ActiveInstances after cancel = %d, want 0", got)
	}

	// Cancelling a terminal task is a no-op
	if err := f.orch.CancelTask(projectID, "a"); err != nil {
		t.Errorf("second CancelTask: %v", err)
	}
}

func TestCancelProjectStopsProcessing(t *testing.T) {
	f := newFixture(t, Config{})
	f.registerAgent(t, "dev", nil)

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	if err := f.orch.CancelProject(projectID); err != nil {
		t.Fatalf("CancelProject: %v", err)
	}
	if got := f.registry.ActiveInstances("dev"); got != 0 {
		t.Errorf("ActiveInstances after project cancel = %d, want 0", got)
	}

	// Late outcome reports are ignored
	if err := f.orch.ReportTaskOutcome(context.Background(), projectID, "a", ok(0.9)); err != nil {
		t.Fatalf("ReportTaskOutcome after cancel: %v", err)
	}
	if f.rec.has(events.EventTaskCompleted) {
		t.Error("outcome processed after project cancellation")
	}
}

func TestGetReadyTasks(t *testing.T) {
	f := newFixture(t, Config{})

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]DependencyHint{{From: "a", To: "c"}},
	)

	ready, err := f.orch.GetReadyTasks(projectID)
	if err != nil {
		t.Fatalf("GetReadyTasks: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range ready {
		ids[task.ID] = true
	}
	if !ids["a"] || !ids["b"] || ids["c"] {
		t.Errorf("ready tasks = %v, want a and b only", ids)
	}
}

func TestExecutorDispatchCompletesProject(t *testing.T) {
	f := newFixture(t, Config{})

	executed := make(chan string, 4)
	f.registerAgent(t, "dev", agents.AgentFunc(func(ctx context.Context, task scheduler.Task) (agents.Outcome, error) {
		executed <- task.ID
		return agents.Outcome{Success: true, QualityScore: 0.9, Elapsed: 10 * time.Millisecond}, nil
	}))

	projectID, _ := f.orch.CreateProject(
		[]TaskSpec{{ID: "first", Type: "backend"}, {ID: "second", Type: "backend"}},
		[]DependencyHint{{From: "first", To: "second"}},
	)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	waitFor(t, "project completion", func() bool {
		status, err := f.orch.GetProjectStatus(projectID)
		return err == nil && status.Done
	})

	status, _ := f.orch.GetProjectStatus(projectID)
	for _, task := range status.Tasks {
		if task.Status != scheduler.StatusCompleted {
			t.Errorf("task %s status = %s, want completed", task.ID, task.Status)
		}
		if task.QualityScore == nil || *task.QualityScore != 0.9 {
			t.Errorf("task %s quality = %v, want 0.9", task.ID, task.QualityScore)
		}
		if task.AssignedAgentID != "dev" {
			t.Errorf("task %s agent = %q, want dev", task.ID, task.AssignedAgentID)
		}
	}
	if got := len(executed); got != 2 {
		t.Errorf("executor ran %d times, want 2", got)
	}
}

func TestDispatchAssessesUnscoredOutput(t *testing.T) {
	// Serialized assessment path, as the CLI wires it
	ch := quality.NewChannel(4, quality.HeuristicAssessor{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch.Start(ctx)

	f := newFixture(t, Config{Assessor: ch})
	f.registerAgent(t, "dev", agents.AgentFunc(func(ctx context.Context, task scheduler.Task) (agents.Outcome, error) {
		return agents.Outcome{Success: true, Output: "all tests passed", Elapsed: time.Millisecond}, nil
	}))

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	waitFor(t, "assessed completion", func() bool {
		status, err := f.orch.GetProjectStatus(projectID)
		return err == nil && status.Done
	})

	status, _ := f.orch.GetProjectStatus(projectID)
	task := status.Tasks[0]
	if task.QualityScore == nil || *task.QualityScore != 0.9 {
		t.Errorf("assessed quality = %v, want 0.9", task.QualityScore)
	}
}

func TestDispatchKeepsExecutorZeroScore(t *testing.T) {
	f := newFixture(t, Config{Assessor: quality.StaticAssessor{Score: 0.9}})
	f.registerAgent(t, "dev", agents.AgentFunc(func(ctx context.Context, task scheduler.Task) (agents.Outcome, error) {
		// A deliberate zero score from the executor is a verdict, not an
		// unassessed result
		return agents.Outcome{Success: true, QualityScore: 0, Scored: true, Elapsed: time.Millisecond}, nil
	}))

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "a", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	waitFor(t, "completion", func() bool {
		status, err := f.orch.GetProjectStatus(projectID)
		return err == nil && status.Done
	})

	status, _ := f.orch.GetProjectStatus(projectID)
	task := status.Tasks[0]
	if task.QualityScore == nil || *task.QualityScore != 0 {
		t.Errorf("quality = %v, want the executor's 0 kept", task.QualityScore)
	}
}

func TestInstanceTimeoutFailsTask(t *testing.T) {
	f := newFixture(t, Config{InstanceTimeout: 30 * time.Millisecond})

	f.registerAgent(t, "dev", agents.AgentFunc(func(ctx context.Context, task scheduler.Task) (agents.Outcome, error) {
		<-ctx.Done()
		return agents.Outcome{}, ctx.Err()
	}))

	projectID, _ := f.orch.CreateProject([]TaskSpec{{ID: "hung", Type: "backend"}}, nil)
	if err := f.orch.StartProject(projectID); err != nil {
		t.Fatalf("StartProject: %v", err)
	}

	waitFor(t, "timeout failure", func() bool {
		return f.taskStatus(t, projectID, "hung") == scheduler.StatusFailed
	})

	if !f.rec.has(events.EventTaskTimeout) {
		t.Error("task.timeout event not published")
	}
	if got := f.registry.ActiveInstances("dev"); got != 0 {
		t.Errorf("ActiveInstances after timeout = %d, want 0", got)
	}
}
