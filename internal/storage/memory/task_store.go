// Package memory keeps task records and snapshots in process memory for
// development and single-replica deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlic/internal/task"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// TaskStore is a task.Store backed by a map. Finished tasks are dropped once
// they are older than the configured TTL.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
	ttl   time.Duration
	clock task.Clock
}

// NewTaskStore constructs a TaskStore. A non-positive ttl keeps finished
// tasks forever; a nil clock uses wall time.
func NewTaskStore(ttl time.Duration, clock task.Clock) *TaskStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &TaskStore{
		tasks: make(map[string]task.Task),
		ttl:   ttl,
		clock: clock,
	}
}

// Create stores a new task.
func (s *TaskStore) Create(_ context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	if _, exists := s.tasks[t.ID]; exists {
		return errors.New("task already exists")
	}
	now := s.clock.Now()
	if t.Submitted.IsZero() {
		t.Submitted = now
	}
	t.Updated = now
	s.tasks[t.ID] = t
	return nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || s.expired(t) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t, nil
}

// MarkStarted implements task.Store.
func (s *TaskStore) MarkStarted(_ context.Context, id string, attempt int) error {
	return s.update(id, func(t *task.Task, now time.Time) {
		t.State = task.StateStarted
		t.Attempt = attempt
		t.Progress = ""
		t.Started = &now
	})
}

// SetProgress implements task.Store.
func (s *TaskStore) SetProgress(_ context.Context, id string, msg string) error {
	return s.update(id, func(t *task.Task, _ time.Time) {
		t.State = task.StateProgress
		t.Progress = msg
	})
}

// MarkRetry implements task.Store.
func (s *TaskStore) MarkRetry(_ context.Context, id string, attempt int, errText string) error {
	return s.update(id, func(t *task.Task, _ time.Time) {
		t.State = task.StatePending
		t.Attempt = attempt
		t.LastError = errText
		t.Progress = ""
	})
}

// Finish implements task.Store.
func (s *TaskStore) Finish(_ context.Context, id string, res task.Result) error {
	return s.update(id, func(t *task.Task, now time.Time) {
		t.State = task.StateFailure
		if res.Success {
			t.State = task.StateSuccess
		}
		t.Result = &res
		t.Finished = &now
	})
}

// RequestCancel flags a running or pending task. Finished tasks are returned
// unchanged.
func (s *TaskStore) RequestCancel(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || s.expired(t) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if t.State.Terminal() {
		return t, nil
	}
	t.CancelRequested = true
	t.Updated = s.clock.Now()
	s.tasks[id] = t
	return t, nil
}

// Len reports the number of retained tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *TaskStore) update(id string, mutate func(t *task.Task, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s", task.ErrFinished, id)
	}
	now := s.clock.Now()
	mutate(&t, now)
	t.Updated = now
	s.tasks[id] = t
	return nil
}

func (s *TaskStore) expired(t task.Task) bool {
	if s.ttl <= 0 || t.Finished == nil {
		return false
	}
	return s.clock.Now().Sub(*t.Finished) > s.ttl
}

func (s *TaskStore) pruneLocked() {
	for id, t := range s.tasks {
		if s.expired(t) {
			delete(s.tasks, id)
		}
	}
}
