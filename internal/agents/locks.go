package agents

import (
	"sync"
)

// agentLockManager provides per-agent mutual exclusion for instance
// accounting. Agents are shared across projects, so their counters need
// a synchronized read-modify-write; a keyed mutex keeps contention on
// one agent from blocking dispatch to another.
type agentLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-agent mutexes
}

func newAgentLockManager() *agentLockManager {
	return &agentLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-agent mutex, creating it on first access.
func (m *agentLockManager) Lock(agentID string) {
	m.mu.Lock()
	lock, exists := m.locks[agentID]
	if !exists {
		lock = &sync.Mutex{}
		m.locks[agentID] = lock
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	lock.Lock()
}

// Unlock releases the per-agent mutex.
func (m *agentLockManager) Unlock(agentID string) {
	m.mu.Lock()
	lock, exists := m.locks[agentID]
	m.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}
