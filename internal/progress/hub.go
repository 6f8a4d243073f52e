package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes a Hub. Zero values take the defaults below.
type Config struct {
	// Buffer is the number of events held before Emit starts dropping.
	Buffer int
	// BatchSize flushes as soon as this many events are pending.
	BatchSize int
	// FlushEvery flushes pending events on this cadence.
	FlushEvery time.Duration
	// SinkTimeout bounds one Consume call.
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBuffer      = 1024
	defaultBatchSize   = 256
	defaultFlushEvery  = 250 * time.Millisecond
	defaultSinkTimeout = 5 * time.Second
)

// Hub batches events and fans them out to sinks on one goroutine.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped   atomic.Int64
	dropLog   rate.Sometimes
	stopping  atomic.Bool
	closeOnce sync.Once
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		in:      make(chan Event, cfg.Buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt. Invalid events and events arriving while the buffer is
// full are dropped.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.stopping.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("dropping invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress buffer full, events dropped",
				zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Dropped reports events lost to backpressure since the last warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops intake, delivers everything still buffered and closes the
// sinks. It waits for the drain until ctx ends. Later calls return nil.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.stopping.Store(true)
		close(h.quit)
	})
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for progress hub: %w", ctx.Err())
	}
	if !first {
		return nil
	}
	return h.closeSinks(ctx)
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushEvery)
	defer ticker.Stop()

	pending := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.BatchSize {
				pending = h.deliver(pending)
			}
		case <-ticker.C:
			pending = h.deliver(pending)
		case <-h.quit:
			for {
				select {
				case evt := <-h.in:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.BatchSize {
						pending = h.deliver(pending)
					}
				default:
					h.deliver(pending)
					return
				}
			}
		}
	}
}

// deliver hands a copy of pending to every sink and returns the reset slice.
func (h *Hub) deliver(pending []Event) []Event {
	if len(pending) == 0 {
		return pending
	}
	batch := make([]Event, len(pending))
	copy(batch, pending)
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink failed",
				zap.String("sink", fmt.Sprintf("%T", s)),
				zap.Int("events", len(batch)),
				zap.Error(err))
		}
		cancel()
	}
	return pending[:0]
}

func (h *Hub) closeSinks(ctx context.Context) error {
	var errs []error
	for _, s := range h.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
