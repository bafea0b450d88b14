package dispatch

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks the runs executing in this process and how to abort them.
// It is created once at startup and shared by the pool and the shutdown path.
type Registry struct {
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]context.CancelCauseFunc)}
}

// Register records cancel as the abort function of runID.
func (r *Registry) Register(runID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[runID] = cancel
}

// Unregister forgets runID.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, runID)
}

// Abort cancels runID with cause and reports whether it was running here.
func (r *Registry) Abort(runID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.running[runID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// AbortAll cancels every registered run with cause and returns how many there were.
func (r *Registry) AbortAll(cause error) int {
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.running))
	for _, cancel := range r.running {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
	return len(cancels)
}

// Running returns the ids of the registered runs in sorted order.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
