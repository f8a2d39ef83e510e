package server

import (
	"context"
	"sync"
)

// RunRegistry tracks the cancel function of every in-flight run so an HTTP
// cancel request can interrupt the worker immediately instead of waiting for
// the next persisted-status check.
type RunRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{cancels: map[string]context.CancelFunc{}}
}

func (r *RunRegistry) Register(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[runID] = cancel
}

func (r *RunRegistry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, runID)
}

// Cancel fires the run's cancel function if it is still in flight. Returns
// whether a live run was found.
func (r *RunRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
