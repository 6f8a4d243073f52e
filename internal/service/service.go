// Package service is the boundary callers use to submit, poll and cancel
// tasks. It owns no goroutines; execution happens in the dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/metrics"
	"github.com/JakeFAU/crawlic/internal/store"
	"github.com/JakeFAU/crawlic/internal/task"
	"github.com/JakeFAU/crawlic/internal/telemetry"
	"github.com/JakeFAU/crawlic/internal/worker"
)

// ErrInvalidURL rejects links that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid url")

// Canceler signals attempts running in this process.
type Canceler interface {
	Cancel(taskID string) bool
}

// Deps are the collaborators of a Service. Canceler, Runs and Tracer are
// optional.
type Deps struct {
	Store    task.Store
	Queue    task.Queue
	IDs      task.IDGenerator
	Clock    task.Clock
	Canceler Canceler
	Runs     store.RunRepository
	Tracer   trace.Tracer
	Logger   *zap.Logger
}

// Service implements submit, status and cancel.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New builds a Service.
func New(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger.Named("service")}
}

// SubmitFetchAndDistill queues a distillation of link and returns the task id.
func (s *Service) SubmitFetchAndDistill(ctx context.Context, link string) (string, error) {
	return s.submit(ctx, task.Distill{URL: link})
}

// SubmitFindEmails queues an email search of link and returns the task id.
func (s *Service) SubmitFindEmails(ctx context.Context, link string) (string, error) {
	return s.submit(ctx, task.FindEmails{URL: link})
}

func (s *Service) submit(ctx context.Context, p task.Payload) (id string, err error) {
	ctx, span := s.deps.Tracer.Start(ctx, "task.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("task.kind", string(p.Kind()))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("task.id", id))
		}
		span.End()
	}()

	if err := ValidateURL(p.Target()); err != nil {
		return "", err
	}
	id, err = s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.deps.Clock.Now()
	env := task.Encode(p)
	t := task.Task{
		ID:        id,
		Kind:      env.Kind,
		URL:       env.URL,
		State:     task.StatePending,
		Attempt:   1,
		Submitted: now,
		Updated:   now,
	}
	if err := s.deps.Store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	item := task.Item{TaskID: id, Payload: env, Attempt: 1, Enqueued: now, Trace: telemetry.Inject(ctx)}
	if err := s.deps.Queue.Enqueue(ctx, item); err != nil {
		// The record must not sit in PENDING with nothing queued behind it.
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if ferr := s.deps.Store.Finish(context.WithoutCancel(ctx), id, task.Failure(reason)); ferr != nil {
			s.logger.Warn("mark unqueued task failed", zap.String("task_id", id), zap.Error(ferr))
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	metrics.ObserveTaskSubmitted(string(env.Kind))
	s.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("kind", string(env.Kind)),
		zap.String("url", env.URL))
	return id, nil
}

// GetTaskStatus returns the current status of taskID.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (task.Status, error) {
	t, err := s.deps.Store.Get(ctx, taskID)
	if err != nil {
		return task.Status{}, fmt.Errorf("get task: %w", err)
	}
	return t.Status(), nil
}

// Cancel stops taskID. A task still waiting in the queue is removed and
// finished at once; a running one is flagged and signalled, and its worker
// records the failure. Finished tasks are returned unchanged.
func (s *Service) Cancel(ctx context.Context, taskID string) (task.Status, error) {
	t, err := s.deps.Store.RequestCancel(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrFinished) {
			return s.GetTaskStatus(ctx, taskID)
		}
		return task.Status{}, fmt.Errorf("request cancel: %w", err)
	}
	if t.State.Terminal() {
		return t.Status(), nil
	}
	logger := s.logger.With(zap.String("task_id", taskID))

	removed, err := s.deps.Queue.Remove(ctx, taskID)
	if err != nil {
		logger.Warn("remove queued task failed", zap.Error(err))
	}
	if removed {
		err := s.deps.Store.Finish(ctx, taskID, task.Failure(worker.ReasonCanceled))
		if err != nil && !errors.Is(err, task.ErrFinished) {
			return task.Status{}, fmt.Errorf("finish canceled task: %w", err)
		}
		metrics.ObserveTaskCompleted(string(t.Kind), string(task.StateFailure))
		logger.Info("queued task canceled")
		return s.GetTaskStatus(ctx, taskID)
	}

	if s.deps.Canceler != nil && s.deps.Canceler.Cancel(taskID) {
		logger.Info("running task signalled")
	} else {
		logger.Info("cancel flagged for another worker")
	}
	return t.Status(), nil
}

// Runs returns the attempt history of taskID, oldest first.
func (s *Service) Runs(ctx context.Context, taskID string) ([]store.TaskRun, error) {
	if s.deps.Runs == nil {
		return nil, store.ErrNotFound
	}
	id, err := uuid.Parse(taskID)
	if err != nil {
		return nil, store.ErrNotFound
	}
	runs, err := s.deps.Runs.ListRuns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(link string) error {
	if link == "" {
		return fmt.Errorf("%w: link is required", ErrInvalidURL)
	}
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
