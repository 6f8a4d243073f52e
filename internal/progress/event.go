package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a milestone in a task attempt.
type Stage string

// Supported stages.
const (
	StageTaskStart    Stage = "TASK_START"
	StageTaskProgress Stage = "TASK_PROGRESS"
	StagePageLoad     Stage = "PAGE_LOAD"
	StageTaskRetry    Stage = "TASK_RETRY"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskError    Stage = "TASK_ERROR"
)

// Page load outcomes carried in Event.Status.
const (
	PageOK    = "ok"
	PageError = "error"
)

// Event is one observation emitted by a worker.
type Event struct {
	// TaskID is the 16-byte form of the task UUID.
	TaskID [16]byte
	// Attempt is the 1-based attempt the event belongs to.
	Attempt int
	TS      time.Time
	Stage   Stage
	// Kind is the task kind ("distill", "find_emails").
	Kind string
	URL  string
	// Site is the sanitized host of URL, set for page loads.
	Site string
	// Status is PageOK or PageError for page loads.
	Status string
	Bytes  int64
	// Note holds progress messages and error text.
	Note string
	Dur  time.Duration
}

// Validate rejects events that sinks cannot attribute.
func (e Event) Validate() error {
	if e.TaskID == [16]byte{} {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", e.Attempt)
	}
	switch e.Stage {
	case StageTaskStart, StageTaskProgress, StageTaskRetry, StageTaskDone, StageTaskError:
	case StagePageLoad:
		if e.Site == "" {
			return errors.New("page load requires site")
		}
		if e.Status != PageOK && e.Status != PageError {
			return fmt.Errorf("page load status %q is not ok or error", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes an attempt.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageTaskRetry, StageTaskDone, StageTaskError:
		return true
	default:
		return false
	}
}

// TaskUUID returns TaskID as a uuid.UUID.
func (e Event) TaskUUID() uuid.UUID {
	return uuid.UUID(e.TaskID)
}

// ParseTaskID converts a textual task id into the Event form.
func ParseTaskID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse task id %q: %w", id, err)
	}
	return [16]byte(parsed), nil
}
