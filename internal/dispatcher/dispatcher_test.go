package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
	queuememory "github.com/JakeFAU/crawlic/internal/queue/memory"
	"github.com/JakeFAU/crawlic/internal/storage/memory"
	"github.com/JakeFAU/crawlic/internal/task"
	"github.com/JakeFAU/crawlic/internal/worker"
)

const pageMarkup = `<html><body><article><p>Quarterly numbers are in.</p></article></body></html>`

type fixture struct {
	t       *testing.T
	queue   *queuememory.Queue
	store   *memory.TaskStore
	session *gatedSession
	sweeper *countingSweeper
	built   atomic.Int32
	ids     sync.Map
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		queue:   queuememory.NewQueue(0),
		store:   memory.NewTaskStore(time.Hour, nil),
		session: &gatedSession{entered: make(chan struct{}, 16)},
		sweeper: &countingSweeper{},
	}
	t.Cleanup(f.queue.Close)
	return f
}

func (f *fixture) submit() string {
	f.t.Helper()
	id := uuid.NewString()
	env := task.Encode(task.Distill{URL: "https://acme.test/" + id})
	ctx := context.Background()
	require.NoError(f.t, f.store.Create(ctx, task.Task{ID: id, Kind: env.Kind, URL: env.URL, State: task.StatePending, Attempt: 1}))
	require.NoError(f.t, f.queue.Enqueue(ctx, task.Item{TaskID: id, Payload: env, Attempt: 1}))
	return id
}

func (f *fixture) factory() WorkerFactory {
	cfg := worker.DefaultConfig()
	cfg.DistillSettle = 0
	cfg.CancelPoll = 0
	opener := browser.OpenerFunc(func(context.Context, browser.Options) (browser.Session, error) {
		return f.session, nil
	})
	return func(id string) *worker.Worker {
		f.built.Add(1)
		f.ids.Store(id, true)
		return worker.New(id, cfg, worker.Deps{
			Queue:  f.queue,
			Store:  f.store,
			Opener: opener,
			Logger: zap.NewNop(),
		})
	}
}

func (f *fixture) state(id string) task.Task {
	f.t.Helper()
	got, err := f.store.Get(context.Background(), id)
	require.NoError(f.t, err)
	return got
}

func TestDispatcherProcessesEveryDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := []string{f.submit(), f.submit(), f.submit()}
	d := New(Config{Concurrency: 2, ShutdownGrace: time.Second, SweepWhenIdle: true}, f.queue, f.factory(), f.sweeper, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Handled() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		require.Equal(t, task.StateSuccess, f.state(id).State)
	}
	require.EqualValues(t, 3, f.built.Load())
	distinct := 0
	f.ids.Range(func(any, any) bool { distinct++; return true })
	require.Equal(t, 3, distinct)
	require.Zero(t, d.Active())
	require.GreaterOrEqual(t, f.sweeper.Calls(), 1)
}

func TestDispatcherGraceLetsAttemptsFinish(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.gate = make(chan struct{})
	id := f.submit()
	d := New(Config{Concurrency: 1, ShutdownGrace: 5 * time.Second}, f.queue, f.factory(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-f.session.entered
	cancel()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, d.Active())
	close(f.session.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after the attempt finished")
	}
	require.Equal(t, task.StateSuccess, f.state(id).State)
}

func TestDispatcherRequeuesAfterGrace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.session.gate = make(chan struct{})
	id := f.submit()
	d := New(Config{Concurrency: 1, ShutdownGrace: 20 * time.Millisecond}, f.queue, f.factory(), f.sweeper, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-f.session.entered
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher ignored the shutdown grace")
	}

	got := f.state(id)
	require.Equal(t, task.StatePending, got.State)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, 1, f.queue.Len())
	require.Zero(t, f.queue.InFlight())
	require.Equal(t, 1, f.sweeper.Calls())
}

func TestDispatcherRequiresFactory(t *testing.T) {
	t.Parallel()

	d := New(Config{}, queuememory.NewQueue(0), nil, nil, nil)
	require.Error(t, d.Run(context.Background()))
}

// gatedSession serves pageMarkup, optionally holding Navigate until gate
// closes or ctx ends.
type gatedSession struct {
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedSession) Navigate(ctx context.Context, url string) error {
	s.entered <- struct{}{}
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return browser.NavigationError(url, ctx.Err())
	}
}

func (s *gatedSession) CurrentMarkup(context.Context) (string, error) { return pageMarkup, nil }

func (s *gatedSession) Evaluate(context.Context, string, any) error { return browser.ErrUnsupported }

func (s *gatedSession) PIDs() []int { return nil }

func (s *gatedSession) Close() error { return nil }

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) TerminateAll(context.Context, ...int) int {
	s.calls.Add(1)
	return 0
}

func (s *countingSweeper) Calls() int { return int(s.calls.Load()) }
