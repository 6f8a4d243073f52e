// Package worker runs single task attempts. A Worker handles exactly one
// delivery: it leases a fresh browser session, enforces the soft and hard
// time limits, honors cancellation and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
	"github.com/JakeFAU/crawlic/internal/emails"
	"github.com/JakeFAU/crawlic/internal/progress"
	"github.com/JakeFAU/crawlic/internal/task"
	"github.com/JakeFAU/crawlic/internal/telemetry"
)

// Outcome summarizes how Handle disposed of a delivery.
type Outcome string

// Supported outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeSkipped   Outcome = "skipped"
)

// ErrRetired is returned when a Worker is asked to handle a second delivery.
var ErrRetired = errors.New("worker already handled a delivery")

// Reason recorded when a task is canceled.
const ReasonCanceled = "task canceled"

var (
	errCanceled  = errors.New(ReasonCanceled)
	errSoftLimit = errors.New("soft time limit exceeded")
	errHardLimit = errors.New("hard time limit exceeded")
	errShutdown  = errors.New("worker shutting down")
)

const settleTimeout = 10 * time.Second

// Config controls attempt execution.
type Config struct {
	Retry     task.RetryPolicy
	SoftLimit time.Duration
	HardLimit time.Duration
	// DistillSettle is how long a distill attempt waits for client rendering.
	DistillSettle time.Duration
	// CancelPoll is how often the store's cancel flag is checked; zero disables polling.
	CancelPoll time.Duration
	// CancelGrace is how long a canceled attempt may wind down before its
	// browser is killed.
	CancelGrace    time.Duration
	Browser        browser.Options
	Driver         string
	Emails         emails.Config
	SnapshotPrefix string
	Topic          string
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Retry:          task.DefaultRetryPolicy(),
		SoftLimit:      280 * time.Second,
		HardLimit:      300 * time.Second,
		DistillSettle:  10 * time.Second,
		CancelPoll:     2 * time.Second,
		CancelGrace:    10 * time.Second,
		Browser:        browser.DefaultOptions(),
		Driver:         "chrome",
		Emails:         emails.DefaultConfig(),
		SnapshotPrefix: "snapshots",
		Topic:          "crawlic-task-completed",
	}
}

// Deps are the collaborators a Worker uses. Blobs, Hasher, Publisher,
// Progress, Reaper and Registry are optional.
type Deps struct {
	Queue     task.Queue
	Store     task.Store
	Opener    browser.Opener
	Reaper    Reaper
	Registry  *Registry
	Blobs     task.BlobStore
	Hasher    task.Hasher
	Publisher task.Publisher
	Progress  progress.Emitter
	Clock     task.Clock
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Worker executes one delivery.
type Worker struct {
	id     string
	cfg    Config
	deps   Deps
	logger *zap.Logger
	used   atomic.Bool
}

// New builds a Worker. Zero time limits fall back to DefaultConfig; the
// retry policy is used as given.
func New(id string, cfg Config, deps Deps) *Worker {
	def := DefaultConfig()
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = def.SoftLimit
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = def.HardLimit
	}
	if cfg.HardLimit < cfg.SoftLimit {
		cfg.HardLimit = cfg.SoftLimit
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	cfg.Browser = cfg.Browser.WithDefaults()
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer(nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("worker", id)),
	}
}

// attempt is the per-delivery state shared by the worker and its executor.
type attempt struct {
	delivery task.Delivery
	taskID   string
	number   int
	kind     task.Kind
	url      string
	payload  task.Payload
	started  time.Time
	eventID  [16]byte
	logger   *zap.Logger
	span     trace.Span
}

func (a *attempt) event(stage progress.Stage, ts time.Time) progress.Event {
	return progress.Event{
		TaskID:  a.eventID,
		Attempt: a.number,
		TS:      ts,
		Stage:   stage,
		Kind:    string(a.kind),
		URL:     a.url,
	}
}

// Handle runs the attempt carried by d and settles it in the store and the
// queue. ctx bounds the whole attempt: when it ends before the attempt does,
// the browser is killed and the delivery is requeued.
func (w *Worker) Handle(ctx context.Context, d task.Delivery) (out Outcome, err error) {
	if !w.used.CompareAndSwap(false, true) {
		return "", ErrRetired
	}
	a := &attempt{
		delivery: d,
		taskID:   d.Item.TaskID,
		number:   max(d.Item.Attempt, 1),
		kind:     d.Item.Payload.Kind,
		url:      d.Item.Payload.URL,
	}
	ctx, a.span = w.deps.Tracer.Start(telemetry.Extract(ctx, d.Item.Trace), "task.attempt",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", a.taskID),
			attribute.String("task.kind", string(a.kind)),
			attribute.Int("task.attempt", a.number),
		))
	defer func() {
		a.span.SetAttributes(attribute.String("task.outcome", string(out)))
		if err != nil {
			a.span.RecordError(err)
			a.span.SetStatus(codes.Error, err.Error())
		}
		a.span.End()
	}()
	a.logger = w.logger.With(zap.String("task_id", a.taskID), zap.Int("attempt", a.number))
	if id, err := progress.ParseTaskID(a.taskID); err == nil {
		a.eventID = id
	}

	t, err := w.deps.Store.Get(ctx, a.taskID)
	switch {
	case errors.Is(err, task.ErrNotFound):
		a.logger.Warn("task record missing, dropping delivery")
		w.ack(a)
		return OutcomeSkipped, nil
	case err != nil:
		w.requeue(a)
		return OutcomeRequeued, fmt.Errorf("load task %s: %w", a.taskID, err)
	case t.State.Terminal():
		a.logger.Debug("task already finished, dropping delivery", zap.String("state", string(t.State)))
		w.ack(a)
		return OutcomeSkipped, nil
	}

	payload, err := d.Item.Payload.Decode()
	if err != nil {
		return w.finish(a, task.Failure(fmt.Sprintf("invalid task payload: %v", err)))
	}
	a.payload = payload
	if t.CancelRequested {
		return w.finish(a, task.Failure(ReasonCanceled))
	}

	if err := w.deps.Store.MarkStarted(ctx, a.taskID, a.number); err != nil {
		if errors.Is(err, task.ErrFinished) {
			w.ack(a)
			return OutcomeSkipped, nil
		}
		w.requeue(a)
		return OutcomeRequeued, fmt.Errorf("mark started: %w", err)
	}
	a.started = w.deps.Clock.Now()
	w.emit(a.event(progress.StageTaskStart, a.started))
	a.logger.Info("attempt started", zap.String("kind", string(a.kind)), zap.String("url", a.url))

	res, runErr := w.run(ctx, a)
	return w.settle(a, res, runErr)
}

// run executes the payload under the attempt's limits.
func (w *Worker) run(ctx context.Context, a *attempt) (task.Result, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	softCtx, softCancel := context.WithTimeoutCause(attemptCtx, w.cfg.SoftLimit, errSoftLimit)
	defer softCancel()

	l, err := openLease(softCtx, w.deps.Opener, w.cfg.Browser, w.deps.Reaper, w.cfg.Driver, a.logger)
	if err != nil {
		if ctx.Err() != nil {
			return task.Result{}, errShutdown
		}
		return task.Result{}, err
	}
	defer l.release()

	cancelReq := make(chan struct{})
	var signalOnce sync.Once
	signal := func() { signalOnce.Do(func() { close(cancelReq) }) }
	if w.deps.Registry != nil {
		unregister := w.deps.Registry.add(a.taskID, signal)
		defer unregister()
	}

	type outcome struct {
		res task.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := task.Dispatch(softCtx, a.payload, w.newExecutor(a, l.session))
		done <- outcome{res: res, err: err}
	}()

	hard := time.NewTimer(w.cfg.HardLimit)
	defer hard.Stop()
	var poll <-chan time.Time
	if w.cfg.CancelPoll > 0 {
		ticker := time.NewTicker(w.cfg.CancelPoll)
		defer ticker.Stop()
		poll = ticker.C
	}
	var grace <-chan time.Time
	var graceTimer *time.Timer
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()
	canceling := false
	beginCancel := func() {
		if canceling {
			return
		}
		canceling = true
		a.logger.Info("cancel requested, stopping attempt")
		cancel(errCanceled)
		graceTimer = time.NewTimer(w.cfg.CancelGrace)
		grace = graceTimer.C
	}

	for {
		select {
		case o := <-done:
			switch {
			case canceling:
				return task.Result{}, errCanceled
			case o.err != nil && ctx.Err() != nil:
				return task.Result{}, errShutdown
			case o.err != nil && errors.Is(context.Cause(softCtx), errSoftLimit):
				return task.Result{}, errSoftLimit
			}
			return o.res, o.err
		case <-hard.C:
			a.logger.Error("hard time limit reached, killing browser", zap.Duration("limit", w.cfg.HardLimit))
			l.kill()
			return task.Result{}, errHardLimit
		case <-cancelReq:
			beginCancel()
		case <-poll:
			t, err := w.deps.Store.Get(ctx, a.taskID)
			if err == nil && t.CancelRequested {
				beginCancel()
			}
		case <-grace:
			a.logger.Warn("attempt ignored cancellation, killing browser")
			l.kill()
			return task.Result{}, errCanceled
		case <-ctx.Done():
			cancel(errShutdown)
			l.kill()
			return task.Result{}, errShutdown
		}
	}
}

// Retryable reports whether err is a transient browser failure. Deadline
// errors count as transient: limits and cancellation are settled before this
// is consulted, so a deadline here comes from a driver call timing out.
func Retryable(err error) bool {
	if err == nil || task.IsPermanent(err) {
		return false
	}
	return errors.Is(err, browser.ErrNavigation) ||
		errors.Is(err, browser.ErrSession) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) settle(a *attempt, res task.Result, runErr error) (Outcome, error) {
	if runErr != nil {
		a.span.RecordError(runErr)
	}
	switch {
	case runErr == nil:
		return w.finish(a, res)
	case errors.Is(runErr, errCanceled):
		return w.finish(a, task.Failure(ReasonCanceled))
	case errors.Is(runErr, errShutdown):
		return w.abandon(a)
	case errors.Is(runErr, errHardLimit):
		return w.finish(a, task.Failure(fmt.Sprintf("task exceeded hard time limit (%s)", w.cfg.HardLimit)))
	case errors.Is(runErr, errSoftLimit):
		return w.finish(a, task.Failure(fmt.Sprintf("task exceeded soft time limit (%s)", w.cfg.SoftLimit)))
	case Retryable(runErr):
		next, notBefore, ok := w.cfg.Retry.Next(a.number, w.deps.Clock.Now())
		if ok {
			return w.retry(a, next, notBefore, runErr)
		}
		return w.finish(a, task.Failure(w.cfg.Retry.Exhausted(a.kind, a.number, runErr)))
	default:
		return w.finish(a, task.Failure(runErr.Error()))
	}
}

// settleContext outlives the attempt context but keeps its span, so store
// writes and the completion event stay in the attempt's trace.
func (a *attempt) settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(trace.ContextWithSpan(context.Background(), a.span), settleTimeout)
}

func (w *Worker) finish(a *attempt, res task.Result) (Outcome, error) {
	ctx, cancel := a.settleContext()
	defer cancel()

	if err := w.deps.Store.Finish(ctx, a.taskID, res); err != nil {
		if errors.Is(err, task.ErrFinished) {
			w.ack(a)
			return OutcomeSkipped, nil
		}
		w.requeue(a)
		return OutcomeRequeued, fmt.Errorf("record result: %w", err)
	}

	now := w.deps.Clock.Now()
	state := task.StateFailure
	stage := progress.StageTaskError
	outcome := OutcomeFailed
	if res.Success {
		state, stage, outcome = task.StateSuccess, progress.StageTaskDone, OutcomeSucceeded
	} else {
		a.span.SetStatus(codes.Error, res.Error)
	}
	if w.deps.Publisher != nil {
		completion := task.Completion{
			TaskID:   a.taskID,
			Kind:     a.kind,
			URL:      a.url,
			State:    state,
			Attempts: a.number,
			Result:   res,
			Finished: now,
		}
		if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, completion); err != nil {
			a.logger.Warn("completion publish failed", zap.Error(err))
		}
	}
	w.ack(a)

	evt := a.event(stage, now)
	evt.Note = res.Error
	if !a.started.IsZero() {
		evt.Dur = now.Sub(a.started)
	}
	w.emit(evt)
	if res.Success {
		a.logger.Info("attempt succeeded", zap.Duration("dur", evt.Dur))
	} else {
		a.logger.Warn("task failed", zap.String("reason", res.Error))
	}
	return outcome, nil
}

func (w *Worker) retry(a *attempt, next int, notBefore time.Time, cause error) (Outcome, error) {
	ctx, cancel := a.settleContext()
	defer cancel()

	if err := w.deps.Store.MarkRetry(ctx, a.taskID, next, cause.Error()); err != nil {
		if errors.Is(err, task.ErrFinished) {
			w.ack(a)
			return OutcomeSkipped, nil
		}
		w.requeue(a)
		return OutcomeRequeued, fmt.Errorf("mark retry: %w", err)
	}
	item := task.Item{
		TaskID:    a.taskID,
		Payload:   a.delivery.Item.Payload,
		Attempt:   next,
		NotBefore: notBefore,
		Trace:     telemetry.Inject(ctx),
	}
	if err := w.deps.Queue.Enqueue(ctx, item); err != nil {
		w.requeue(a)
		return OutcomeRequeued, fmt.Errorf("enqueue retry: %w", err)
	}
	w.ack(a)

	now := w.deps.Clock.Now()
	evt := a.event(progress.StageTaskRetry, now)
	evt.Note = cause.Error()
	evt.Dur = now.Sub(a.started)
	w.emit(evt)
	a.logger.Warn("attempt failed, retry scheduled",
		zap.Int("next_attempt", next),
		zap.Time("not_before", notBefore),
		zap.Error(cause))
	return OutcomeRetried, nil
}

// abandon hands an interrupted attempt back to the queue. The attempt number
// is not consumed.
func (w *Worker) abandon(a *attempt) (Outcome, error) {
	ctx, cancel := a.settleContext()
	defer cancel()

	if err := w.deps.Store.MarkRetry(ctx, a.taskID, a.number, errShutdown.Error()); err != nil &&
		!errors.Is(err, task.ErrFinished) {
		a.logger.Warn("reset interrupted task failed", zap.Error(err))
	}
	w.requeue(a)
	a.logger.Info("attempt interrupted by shutdown, requeued")
	return OutcomeRequeued, nil
}

func (w *Worker) ack(a *attempt) {
	ctx, cancel := a.settleContext()
	defer cancel()
	if err := w.deps.Queue.Ack(ctx, a.delivery); err != nil {
		a.logger.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) requeue(a *attempt) {
	ctx, cancel := a.settleContext()
	defer cancel()
	if err := w.deps.Queue.Requeue(ctx, a.delivery); err != nil {
		a.logger.Error("requeue failed", zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	w.deps.Progress.Emit(evt)
}
