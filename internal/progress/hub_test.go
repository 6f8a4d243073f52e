package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{Buffer: 8, BatchSize: 2, FlushEvery: time.Hour}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageTaskStart))
	hub.Emit(sampleEvent(StageTaskProgress))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnTick(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushEvery: 10 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(sampleEvent(StageTaskStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushEvery: time.Hour}, sink)

	hub.Emit(Event{Stage: StageTaskStart})
	bad := sampleEvent(StagePageLoad)
	bad.Site = ""
	hub.Emit(bad)

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.Closed())
}

func TestHubEmitDoesNotBlockWhenFull(t *testing.T) {
	t.Parallel()

	// No loop goroutine drains this hub.
	hub := &Hub{in: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(StageTaskStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 0, hub.Dropped())
}

func TestHubCloseDrainsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushEvery: time.Hour}, sink)
	hub.Emit(sampleEvent(StageTaskStart))
	hub.Emit(sampleEvent(StageTaskDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 2)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageTaskStart))
	require.Len(t, sink.Batches(), 1)
}

func TestHubReportsSinkCloseErrors(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{closeErr: errors.New("flush failed")}
	hub := NewHub(Config{}, sink)
	require.ErrorContains(t, hub.Close(context.Background()), "flush failed")
}

func TestHubContinuesAfterSinkError(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{consumeErr: errors.New("boom")}
	ok := &recordingSink{}
	hub := NewHub(Config{BatchSize: 1, FlushEvery: time.Hour}, failing, ok)
	hub.Emit(sampleEvent(StageTaskStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, ok.Batches(), 1)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StagePageLoad).Validate())

	evt := sampleEvent(StageTaskStart)
	evt.Attempt = 0
	require.Error(t, evt.Validate())

	evt = sampleEvent(StagePageLoad)
	evt.Status = "timeout"
	require.ErrorContains(t, evt.Validate(), "not ok or error")

	evt = sampleEvent(Stage("BOGUS"))
	require.ErrorContains(t, evt.Validate(), "unknown stage")
}

func TestParseTaskID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	got, err := ParseTaskID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, Event{TaskID: got}.TaskUUID())

	_, err = ParseTaskID("not-a-uuid")
	require.Error(t, err)
}

type recordingSink struct {
	mu         sync.Mutex
	batches    [][]Event
	closed     bool
	consumeErr error
	closeErr   error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.consumeErr
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		TaskID:  [16]byte(uuid.New()),
		Attempt: 1,
		TS:      time.Now(),
		Stage:   stage,
		Kind:    "distill",
		URL:     "https://example.com",
	}
	if stage == StagePageLoad {
		evt.Site = "example.com"
		evt.Status = PageOK
		evt.Bytes = 512
	}
	return evt
}
