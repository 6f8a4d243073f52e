// Package redis implements the task queue on Redis lists so several service
// replicas can share one backlog.
//
// Waiting items live in <prefix>:queue:ready (pushed left, popped right),
// delivered items are moved atomically into <prefix>:queue:processing and
// delayed retries wait in the sorted set <prefix>:queue:delayed scored by their
// due time in milliseconds.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlic/internal/task"
)

const defaultPoll = time.Second

type clockFunc func() time.Time

// Config controls key naming and polling.
type Config struct {
	// Prefix namespaces every key; "crawlic" when empty.
	Prefix string
	// Poll bounds each blocking pop so delayed items get promoted.
	Poll time.Duration
}

// Queue is a task.Queue backed by Redis.
type Queue struct {
	client     redis.UniversalClient
	ready      string
	processing string
	delayed    string
	poll       time.Duration
	now        clockFunc
}

// New builds a queue over client.
func New(client redis.UniversalClient, cfg Config) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "crawlic"
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Queue{
		client:     client,
		ready:      prefix + ":queue:ready",
		processing: prefix + ":queue:processing",
		delayed:    prefix + ":queue:delayed",
		poll:       poll,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores item on the ready list, or in the delayed set when its
// NotBefore is in the future.
func (q *Queue) Enqueue(ctx context.Context, item task.Item) error {
	now := q.now()
	if item.Enqueued.IsZero() {
		item.Enqueued = now
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if item.NotBefore.After(now) {
		z := redis.Z{Score: float64(item.NotBefore.UnixMilli()), Member: string(data)}
		if err := q.client.ZAdd(ctx, q.delayed, z).Err(); err != nil {
			return fmt.Errorf("enqueue delayed: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, q.ready, string(data)).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed items, then blocks on the ready list. The
// returned receipt is the raw list entry now held in the processing list.
func (q *Queue) Dequeue(ctx context.Context) (task.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return task.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.promote(ctx); err != nil {
			return task.Delivery{}, err
		}
		raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return task.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return task.Delivery{}, fmt.Errorf("dequeue: %w", err)
		}
		var item task.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// Undecodable entries would be redelivered forever.
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			return task.Delivery{}, fmt.Errorf("decode queue item: %w", err)
		}
		return task.Delivery{Item: item, Receipt: raw}, nil
	}
}

func (q *Queue) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed items: %w", err)
	}
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed item: %w", err)
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.ready, member).Err(); err != nil {
			return fmt.Errorf("promote delayed item: %w", err)
		}
	}
	return nil
}

// Ack drops the delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, d task.Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.Receipt).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue moves the delivery back to the consuming end of the ready list.
func (q *Queue) Requeue(ctx context.Context, d task.Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Receipt)
		pipe.RPush(ctx, q.ready, d.Receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// Remove deletes waiting and delayed entries for taskID.
func (q *Queue) Remove(ctx context.Context, taskID string) (bool, error) {
	removed := false
	waiting, err := q.client.LRange(ctx, q.ready, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("scan ready list: %w", err)
	}
	for _, raw := range waiting {
		if !matches(raw, taskID) {
			continue
		}
		n, err := q.client.LRem(ctx, q.ready, 0, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("remove waiting item: %w", err)
		}
		removed = removed || n > 0
	}
	delayed, err := q.client.ZRange(ctx, q.delayed, 0, -1).Result()
	if err != nil {
		return removed, fmt.Errorf("scan delayed items: %w", err)
	}
	for _, raw := range delayed {
		if !matches(raw, taskID) {
			continue
		}
		n, err := q.client.ZRem(ctx, q.delayed, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("remove delayed item: %w", err)
		}
		removed = removed || n > 0
	}
	return removed, nil
}

func matches(raw, taskID string) bool {
	var item task.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return false
	}
	return item.TaskID == taskID
}

// Recover returns every entry left in the processing list to the head of the
// ready list, oldest first. Run it only while no other consumer shares the
// prefix, typically at startup.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.ready, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing list: %w", err)
		}
		moved++
	}
}

// Len reports the number of ready and delayed entries.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.LLen(ctx, q.ready).Result()
	if err != nil {
		return 0, fmt.Errorf("ready length: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayed).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed length: %w", err)
	}
	return ready + delayed, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
