package task

import (
	"context"
	"time"
)

// Store persists task records. Implementations must be safe for concurrent
// use by the API and every worker.
type Store interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, error)
	// MarkStarted moves a task to STARTED for the given attempt.
	MarkStarted(ctx context.Context, id string, attempt int) error
	// SetProgress records a checkpoint message and moves the task to PROGRESS.
	SetProgress(ctx context.Context, id string, msg string) error
	// MarkRetry returns a task to PENDING ahead of another attempt.
	MarkRetry(ctx context.Context, id string, attempt int, errText string) error
	// Finish records the terminal result. SUCCESS or FAILURE follows res.Success.
	Finish(ctx context.Context, id string, res Result) error
	// RequestCancel flags the task for cancellation and returns its record.
	RequestCancel(ctx context.Context, id string) (Task, error)
}

// Item is one queued attempt.
type Item struct {
	TaskID    string            `json:"task_id"`
	Payload   Envelope          `json:"payload"`
	Attempt   int               `json:"attempt"`
	NotBefore time.Time         `json:"not_before,omitzero"`
	Enqueued  time.Time         `json:"enqueued_at"`
	Trace     map[string]string `json:"trace,omitempty"`
}

// Delivery is an item handed to a worker. It stays owned by that worker until
// it is acknowledged or requeued.
type Delivery struct {
	Item    Item
	Receipt string
}

// Queue is a FIFO of task attempts with at-least-once delivery.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	// Dequeue blocks until an item whose NotBefore has passed is available.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes a delivered item for good. Acking twice is not an error.
	Ack(ctx context.Context, d Delivery) error
	// Requeue returns a delivered item to the head of the queue.
	Requeue(ctx context.Context, d Delivery) error
	// Remove drops a waiting item for taskID and reports whether one was found.
	Remove(ctx context.Context, taskID string) (bool, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}
