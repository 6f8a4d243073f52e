package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTable struct {
	mu       sync.Mutex
	procs    []ProcInfo
	killed   []int32
	failOnce map[int32]bool
	snapErr  error
}

func (f *fakeTable) Snapshot(context.Context) ([]ProcInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return append([]ProcInfo(nil), f.procs...), nil
}

func (f *fakeTable) Kill(_ context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOnce[pid] {
		delete(f.failOnce, pid)
		return errors.New("transient")
	}
	for i, p := range f.procs {
		if p.PID == pid {
			f.procs = append(f.procs[:i], f.procs[i+1:]...)
			f.killed = append(f.killed, pid)
			return nil
		}
	}
	return process.ErrorProcessNotRunning
}

// host layout:
//
//	1 init
//	├── 100 crawlic (self)
//	│   ├── 200 chrome (lease A)
//	│   │   ├── 201 chrome --type=renderer
//	│   │   └── 202 chrome --type=gpu
//	│   │       └── 203 chrome_crashpad
//	│   ├── 300 chrome (lease B)
//	│   │   └── 301 chrome --type=renderer
//	│   └── 400 chromium (orphaned earlier session)
//	└── 900 chrome (someone else's browser)
func hostLayout() []ProcInfo {
	return []ProcInfo{
		{PID: 1, PPID: 0, Name: "init"},
		{PID: 100, PPID: 1, Name: "crawlic"},
		{PID: 200, PPID: 100, Name: "chrome"},
		{PID: 201, PPID: 200, Name: "chrome"},
		{PID: 202, PPID: 200, Name: "chrome"},
		{PID: 203, PPID: 202, Name: "chrome_crashpad"},
		{PID: 300, PPID: 100, Name: "chrome"},
		{PID: 301, PPID: 300, Name: "chrome"},
		{PID: 400, PPID: 100, Name: "Chromium"},
		{PID: 900, PPID: 1, Name: "chrome"},
	}
}

func TestReapKillsWholeLeaseTree(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: hostLayout()}
	s := NewWithTable(Config{Self: 100}, table, zap.NewNop())

	killed := s.Reap(context.Background(), 200)

	require.Equal(t, 4, killed)
	require.Equal(t, []int32{200, 201, 202, 203}, table.killed)
}

func TestReapIgnoresMissingAndSelf(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: hostLayout()}
	s := NewWithTable(Config{Self: 100}, table, zap.NewNop())

	require.Zero(t, s.Reap(context.Background(), 4242, 100, 0))
	require.Zero(t, s.Reap(context.Background()))
	require.Empty(t, table.killed)
}

func TestReapRetriesOnce(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: hostLayout(), failOnce: map[int32]bool{301: true}}
	s := NewWithTable(Config{Self: 100}, table, zap.NewNop())

	require.Equal(t, 2, s.Reap(context.Background(), 300))
	require.ElementsMatch(t, []int32{300, 301}, table.killed)
}

func TestTerminateAllDescendantScopeSparesKeptLeases(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: hostLayout()}
	s := NewWithTable(Config{Self: 100}, table, zap.NewNop())

	killed := s.TerminateAll(context.Background(), 300)

	require.Equal(t, 5, killed)
	require.ElementsMatch(t, []int32{200, 201, 202, 203, 400}, table.killed)
}

func TestTerminateAllHostScope(t *testing.T) {
	t.Parallel()

	table := &fakeTable{procs: hostLayout()}
	s := NewWithTable(Config{Self: 100, Scope: ScopeHost}, table, zap.NewNop())

	killed := s.TerminateAll(context.Background())

	require.Equal(t, 8, killed)
	require.Contains(t, table.killed, int32(900))
	require.NotContains(t, table.killed, int32(100))
	require.NotContains(t, table.killed, int32(1))
}

func TestSnapshotFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	table := &fakeTable{snapErr: errors.New("proc unreadable")}
	s := NewWithTable(Config{Self: 100}, table, zap.NewNop())

	require.Zero(t, s.TerminateAll(context.Background()))
	require.Zero(t, s.Reap(context.Background(), 200))
}
