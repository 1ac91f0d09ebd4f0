package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/dispatch/internal/scheduler"
)

// project is the per-project scheduling context. All graph mutations and
// assignment decisions for one project happen under its mutex, one event
// at a time, so graph state needs no further coordination. The context
// and subscription IDs are released deterministically on teardown.
type project struct {
	id    string
	graph *scheduler.Graph

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	cancelled bool
	finished  bool
	instances map[string]*Instance // live instances by task ID
	subIDs    []string             // bus subscriptions owned by this project
	pending   []pendingEvent       // events queued under mu, flushed after unlock

	retryAt  map[string]time.Time                   // earliest re-dispatch per retried task
	backoffs map[string]*backoff.ExponentialBackOff // per-task re-dispatch policy
}

// pendingEvent is an event queued during a locked mutation. Bus delivery
// is synchronous and handlers take the project lock, so publishing must
// wait until the lock is released.
type pendingEvent struct {
	eventType string
	data      any
}

// liveInstance returns the busy instance currently executing a task.
func (p *project) liveInstance(taskID string) (*Instance, bool) {
	inst, ok := p.instances[taskID]
	if !ok || inst.Status != InstanceBusy {
		return nil, false
	}
	return inst, true
}

// ProjectStatus is the caller-facing view of a project.
type ProjectStatus struct {
	ProjectID       string
	Tasks           []*scheduler.Task
	ProgressPercent float64
	CriticalPath    []string
	Done            bool
}
