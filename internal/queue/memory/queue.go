// Package memory provides an in-process task queue for local development and
// single-replica deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/crawlic/internal/task"
)

// Queue is a bounded FIFO with delayed items and delivery tracking. Items
// handed out by Dequeue stay in flight until acknowledged or requeued.
type Queue struct {
	mu       sync.Mutex
	wake     chan struct{}
	ready    []task.Item
	inflight map[string]task.Item
	capacity int
	seq      uint64
	closed   bool
}

// NewQueue constructs a queue holding at most capacity waiting items. A
// non-positive capacity means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		wake:     make(chan struct{}),
		inflight: make(map[string]task.Item),
		capacity: capacity,
	}
}

// broadcastLocked wakes every waiter. Callers hold mu.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue appends item, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item task.Item) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return task.ErrQueueClosed
		}
		if q.capacity <= 0 || len(q.ready) < q.capacity {
			if item.Enqueued.IsZero() {
				item.Enqueued = time.Now().UTC()
			}
			q.ready = append(q.ready, item)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Dequeue hands out the oldest item whose NotBefore has passed.
func (q *Queue) Dequeue(ctx context.Context) (task.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return task.Delivery{}, task.ErrQueueClosed
		}
		idx, wait := q.nextDue(time.Now())
		if idx >= 0 {
			item := q.ready[idx]
			q.ready = slices.Delete(q.ready, idx, idx+1)
			q.seq++
			receipt := strconv.FormatUint(q.seq, 10)
			q.inflight[receipt] = item
			q.broadcastLocked()
			q.mu.Unlock()
			return task.Delivery{Item: item, Receipt: receipt}, nil
		}
		wake := q.wake
		q.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return task.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextDue returns the index of the first due item, or -1 and how long until
// the earliest delayed item becomes due (0 when nothing is waiting).
func (q *Queue) nextDue(now time.Time) (int, time.Duration) {
	var wait time.Duration
	for i, item := range q.ready {
		if !item.NotBefore.After(now) {
			return i, 0
		}
		if d := item.NotBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return -1, wait
}

// Ack forgets a delivery. Unknown receipts are ignored.
func (q *Queue) Ack(_ context.Context, d task.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

// Requeue puts an in-flight delivery back at the head of the queue.
func (q *Queue) Requeue(_ context.Context, d task.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.inflight[d.Receipt]
	if !ok {
		return nil
	}
	delete(q.inflight, d.Receipt)
	if q.closed {
		return task.ErrQueueClosed
	}
	q.ready = slices.Insert(q.ready, 0, item)
	q.broadcastLocked()
	return nil
}

// Remove drops every waiting item for taskID.
func (q *Queue) Remove(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.ready)
	q.ready = slices.DeleteFunc(q.ready, func(item task.Item) bool { return item.TaskID == taskID })
	if len(q.ready) == before {
		return false, nil
	}
	q.broadcastLocked()
	return true, nil
}

// Len reports the number of waiting items, delayed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight reports the number of unacknowledged deliveries.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close wakes all waiters; subsequent operations return task.ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
