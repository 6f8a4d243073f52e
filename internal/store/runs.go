package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("task run not found")

// RunOutcome mirrors the task_runs.outcome column.
type RunOutcome string

// Outcomes persisted in task_runs.outcome.
const (
	RunRunning RunOutcome = "running"
	RunSuccess RunOutcome = "success"
	RunRetry   RunOutcome = "retry"
	RunFailure RunOutcome = "failure"
)

// TaskRun is one attempt of one task.
type TaskRun struct {
	TaskID     uuid.UUID
	Attempt    int
	Kind       string
	URL        string
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    RunOutcome
	// Note holds the failure or retry reason.
	Note *string
	// Pages and Bytes count page loads made during the attempt.
	Pages int64
	Bytes int64
}

// RunRepository persists attempt history.
type RunRepository interface {
	// StartRun records a new attempt. Repeating it for the same attempt is a no-op.
	StartRun(ctx context.Context, taskID uuid.UUID, attempt int, kind, url string, at time.Time) error
	// FinishRun closes an attempt with its outcome.
	FinishRun(ctx context.Context, taskID uuid.UUID, attempt int, at time.Time, outcome RunOutcome, note *string) error
	// AddPageLoads adds page and byte deltas to an attempt.
	AddPageLoads(ctx context.Context, taskID uuid.UUID, attempt int, pages, bytes int64) error
	// ListRuns returns every attempt of a task, oldest first.
	ListRuns(ctx context.Context, taskID uuid.UUID) ([]TaskRun, error)
}
