package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/dispatch/internal/agents"
	"github.com/aristath/dispatch/internal/scheduler"
)

// breakerRegistry manages per-agent circuit breakers. An agent whose
// breaker is open is excluded from candidate lists, so repeated executor
// failures stop attracting assignments until the breaker half-opens.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for an agent, creating it on first use.
func (r *breakerRegistry) get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 3,                // Test requests allowed in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker for agent %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Don't count cancellation as an agent failure
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	r.breakers[agentID] = cb
	return cb
}

// available reports whether an agent's breaker admits requests.
func (r *breakerRegistry) available(agentID string) bool {
	return r.get(agentID).State() != gobreaker.StateOpen
}

// execute runs an agent's executor through its circuit breaker.
func (r *breakerRegistry) execute(ctx context.Context, agentID string, executor agents.Agent, task scheduler.Task) (agents.Outcome, error) {
	result, err := r.get(agentID).Execute(func() (interface{}, error) {
		return executor.Execute(ctx, task)
	})
	if err != nil {
		if out, ok := result.(agents.Outcome); ok {
			return out, err
		}
		return agents.Outcome{}, err
	}
	return result.(agents.Outcome), nil
}
