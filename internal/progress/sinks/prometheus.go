package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlic/internal/metrics"
	"github.com/JakeFAU/crawlic/internal/progress"
)

// PrometheusSink turns events into the service metrics and tracks how many
// attempts are in flight.
type PrometheusSink struct {
	running      prometheus.Gauge
	pagesPerTask prometheus.Histogram

	mu       sync.Mutex
	inflight map[attemptKey]int64
}

// NewPrometheusSink registers the sink's own collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlic_attempts_running",
			Help: "Task attempts started and not yet finished.",
		}),
		pagesPerTask: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlic_attempt_pages",
			Help:    "Pages loaded by one finished attempt.",
			Buckets: []float64{0, 1, 2, 4, 8, 12},
		}),
		inflight: make(map[attemptKey]int64),
	}
	for _, c := range []prometheus.Collector{s.running, s.pagesPerTask} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		key := attemptKey{id: evt.TaskID, attempt: evt.Attempt}
		switch evt.Stage {
		case progress.StageTaskStart:
			if _, ok := s.inflight[key]; !ok {
				s.inflight[key] = 0
				s.running.Inc()
			}
		case progress.StagePageLoad:
			metrics.ObservePageLoad(evt.Site, evt.Status, int(evt.Bytes))
			if _, ok := s.inflight[key]; ok {
				s.inflight[key]++
			}
		case progress.StageTaskRetry:
			metrics.ObserveTaskRetry(evt.Kind)
			s.finish(key, evt)
		case progress.StageTaskDone:
			metrics.ObserveTaskCompleted(evt.Kind, "SUCCESS")
			s.finish(key, evt)
		case progress.StageTaskError:
			metrics.ObserveTaskCompleted(evt.Kind, "FAILURE")
			s.finish(key, evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(key attemptKey, evt progress.Event) {
	if evt.Dur > 0 {
		metrics.ObserveTaskDuration(evt.Kind, evt.Dur)
	}
	pages, ok := s.inflight[key]
	if !ok {
		return
	}
	delete(s.inflight, key)
	s.running.Dec()
	s.pagesPerTask.Observe(float64(pages))
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type attemptKey struct {
	id      [16]byte
	attempt int
}
