// Package dispatcher runs a bounded pool of worker slots over the task queue.
// Each slot builds a fresh worker for every delivery, so no browser state
// survives from one attempt to the next.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/metrics"
	"github.com/JakeFAU/crawlic/internal/task"
	"github.com/JakeFAU/crawlic/internal/worker"
)

// Sweeper kills orphaned browser processes.
type Sweeper interface {
	TerminateAll(ctx context.Context, keep ...int) int
}

// WorkerFactory builds the worker for one delivery.
type WorkerFactory func(id string) *worker.Worker

// Config sizes the pool.
type Config struct {
	Concurrency int
	// ShutdownGrace is how long running attempts may finish after Run's
	// context ends. Attempts still running afterwards are requeued.
	ShutdownGrace time.Duration
	// SweepWhenIdle runs the sweeper every time the pool drains.
	SweepWhenIdle bool
}

const (
	dequeueBackoff = 250 * time.Millisecond
	sweepTimeout   = 30 * time.Second
)

// Dispatcher owns the worker slots.
type Dispatcher struct {
	cfg     Config
	queue   task.Queue
	factory WorkerFactory
	sweeper Sweeper
	logger  *zap.Logger

	// attempts hold the read side while running; sweeps need the write side.
	attempts sync.RWMutex
	active   atomic.Int32
	handled  atomic.Uint64
}

// New creates a Dispatcher. sweeper may be nil.
func New(cfg Config, queue task.Queue, factory WorkerFactory, sweeper Sweeper, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		factory: factory,
		sweeper: sweeper,
		logger:  logger.Named("dispatcher"),
	}
}

// Active reports how many attempts are running.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Handled reports how many deliveries the pool has processed.
func (d *Dispatcher) Handled() uint64 {
	return d.handled.Load()
}

// Run blocks until ctx ends and every slot has stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.factory == nil {
		return errors.New("dispatcher: worker factory is required")
	}
	drainCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	var wg sync.WaitGroup
	for slot := range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.slot(ctx, drainCtx, slot)
		}()
	}
	d.logger.Info("worker pool started", zap.Int("concurrency", d.cfg.Concurrency))

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		d.logger.Info("worker pool draining", zap.Int("active", d.Active()), zap.Duration("grace", d.cfg.ShutdownGrace))
		grace := time.NewTimer(d.cfg.ShutdownGrace)
		select {
		case <-stopped:
		case <-grace.C:
			d.logger.Warn("shutdown grace elapsed, interrupting attempts", zap.Int("active", d.Active()))
			abort()
			<-stopped
		}
		grace.Stop()
	}

	d.sweep("shutdown")
	d.logger.Info("worker pool stopped", zap.Uint64("handled", d.Handled()))
	return nil
}

func (d *Dispatcher) slot(ctx, drainCtx context.Context, slot int) {
	var n uint64
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, task.ErrQueueClosed) {
				return
			}
			d.logger.Error("dequeue failed", zap.Int("slot", slot), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		n++
		d.handle(drainCtx, delivery, fmt.Sprintf("slot-%d-%d", slot, n))
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery task.Delivery, id string) {
	d.attempts.RLock()
	d.active.Add(1)
	metrics.IncActiveWorkers()

	w := d.factory(id)
	outcome, err := w.Handle(ctx, delivery)

	metrics.DecActiveWorkers()
	remaining := d.active.Add(-1)
	d.handled.Add(1)
	d.attempts.RUnlock()

	fields := []zap.Field{
		zap.String("worker", id),
		zap.String("task_id", delivery.Item.TaskID),
		zap.String("outcome", string(outcome)),
	}
	if err != nil {
		d.logger.Error("delivery not settled", append(fields, zap.Error(err))...)
	} else {
		d.logger.Debug("delivery settled", fields...)
	}
	if remaining == 0 && d.cfg.SweepWhenIdle {
		d.sweepIdle()
	}
}

// sweepIdle sweeps only if no attempt is running at the moment.
func (d *Dispatcher) sweepIdle() {
	if !d.attempts.TryLock() {
		return
	}
	defer d.attempts.Unlock()
	d.sweep("idle")
}

func (d *Dispatcher) sweep(reason string) {
	if d.sweeper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if n := d.sweeper.TerminateAll(ctx); n > 0 {
		d.logger.Info("orphaned browser processes terminated", zap.String("reason", reason), zap.Int("count", n))
	}
}
