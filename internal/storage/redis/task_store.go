// Package redis stores task records as Redis hashes so that every service
// replica sees the same task state. State transitions run as Lua scripts and
// never move a finished task.
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

const (
	createScript = `if redis.call('EXISTS', KEYS[1]) == 1 then return redis.error_reply('exists') end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`

	transitionScript = `local state = redis.call('HGET', KEYS[1], 'state')
if not state then return redis.error_reply('not_found') end
if state == 'SUCCESS' or state == 'FAILURE' then return redis.error_reply('finished') end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then redis.call('EXPIRE', KEYS[1], ttl) end
return 1`

	cancelScript = `local state = redis.call('HGET', KEYS[1], 'state')
if not state then return redis.error_reply('not_found') end
if state ~= 'SUCCESS' and state ~= 'FAILURE' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[1])
end
return 1`
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config controls key naming and retention.
type Config struct {
	// Prefix namespaces every key; "crawlic" when empty.
	Prefix string
	// ResultTTL is how long finished tasks are kept. Zero keeps them forever.
	ResultTTL time.Duration
}

// TaskStore is a task.Store backed by Redis hashes.
type TaskStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  task.Clock
}

// NewTaskStore builds a TaskStore. A nil clock uses wall time.
func NewTaskStore(client redis.UniversalClient, cfg Config, clock task.Clock) *TaskStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "crawlic"
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &TaskStore{client: client, prefix: prefix, ttl: cfg.ResultTTL, clock: clock}
}

func (s *TaskStore) key(id string) string {
	return s.prefix + ":task:" + id
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Create stores a new task.
func (s *TaskStore) Create(ctx context.Context, t task.Task) error {
	now := s.clock.Now()
	if t.Submitted.IsZero() {
		t.Submitted = now
	}
	t.Updated = now
	fields, err := encode(t)
	if err != nil {
		return err
	}
	if err := s.client.Eval(ctx, createScript, []string{s.key(t.ID)}, fields...).Err(); err != nil {
		if err.Error() == "exists" {
			return errors.New("task already exists")
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get loads a task.
func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	values, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return task.Task{}, fmt.Errorf("load task: %w", err)
	}
	if len(values) == 0 {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return decode(values)
}

// MarkStarted implements task.Store.
func (s *TaskStore) MarkStarted(ctx context.Context, id string, attempt int) error {
	now := stamp(s.clock.Now())
	return s.transition(ctx, id, 0,
		"state", string(task.StateStarted),
		"attempt", strconv.Itoa(attempt),
		"progress", "",
		"started_at", now,
		"updated_at", now,
	)
}

// SetProgress implements task.Store.
func (s *TaskStore) SetProgress(ctx context.Context, id string, msg string) error {
	return s.transition(ctx, id, 0,
		"state", string(task.StateProgress),
		"progress", msg,
		"updated_at", stamp(s.clock.Now()),
	)
}

// MarkRetry implements task.Store.
func (s *TaskStore) MarkRetry(ctx context.Context, id string, attempt int, errText string) error {
	return s.transition(ctx, id, 0,
		"state", string(task.StatePending),
		"attempt", strconv.Itoa(attempt),
		"progress", "",
		"last_error", errText,
		"updated_at", stamp(s.clock.Now()),
	)
}

// Finish implements task.Store. The record expires after ResultTTL.
func (s *TaskStore) Finish(ctx context.Context, id string, res task.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	state := task.StateFailure
	if res.Success {
		state = task.StateSuccess
	}
	now := stamp(s.clock.Now())
	return s.transition(ctx, id, int64(s.ttl/time.Second),
		"state", string(state),
		"result", string(data),
		"finished_at", now,
		"updated_at", now,
	)
}

// RequestCancel implements task.Store.
func (s *TaskStore) RequestCancel(ctx context.Context, id string) (task.Task, error) {
	err := s.client.Eval(ctx, cancelScript, []string{s.key(id)}, stamp(s.clock.Now())).Err()
	if err != nil {
		return task.Task{}, s.classify(id, "request cancel", err)
	}
	return s.Get(ctx, id)
}

func (s *TaskStore) transition(ctx context.Context, id string, ttlSeconds int64, pairs ...string) error {
	args := make([]any, 0, len(pairs)+1)
	args = append(args, strconv.FormatInt(ttlSeconds, 10))
	for _, p := range pairs {
		args = append(args, p)
	}
	if err := s.client.Eval(ctx, transitionScript, []string{s.key(id)}, args...).Err(); err != nil {
		return s.classify(id, "update task", err)
	}
	return nil
}

func (s *TaskStore) classify(id, op string, err error) error {
	switch err.Error() {
	case "not_found":
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	case "finished":
		return fmt.Errorf("%w: %s", task.ErrFinished, id)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
