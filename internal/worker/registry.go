package worker

import "sync"

// Registry maps running task ids to the signal that cancels their attempt.
type Registry struct {
	mu      sync.Mutex
	running map[string]func()
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]func())}
}

func (r *Registry) add(taskID string, cancel func()) func() {
	r.mu.Lock()
	r.running[taskID] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.running, taskID)
		r.mu.Unlock()
	}
}

// Cancel signals the attempt running taskID in this process and reports
// whether one was found.
func (r *Registry) Cancel(taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running lists task ids with an attempt in flight.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}
