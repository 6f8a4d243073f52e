// Package supervisor finds and kills browser processes left behind by
// sessions. Every operation is best effort: failures are logged and never
// returned to callers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/metrics"
)

// Scope bounds which processes TerminateAll may touch.
type Scope string

// Supported scopes.
const (
	// ScopeDescendants limits sweeps to descendants of this process.
	ScopeDescendants Scope = "descendants"
	// ScopeHost sweeps every matching process on the host.
	ScopeHost Scope = "host"
)

// DefaultNames are substrings of browser-related process names.
var DefaultNames = []string{"chrome", "chromium", "chromedriver", "headless_shell"}

// ProcInfo is one row of a process snapshot.
type ProcInfo struct {
	PID  int32
	PPID int32
	Name string
}

// Table lists and kills OS processes.
type Table interface {
	Snapshot(ctx context.Context) ([]ProcInfo, error)
	Kill(ctx context.Context, pid int32) error
}

// Config controls a Supervisor.
type Config struct {
	Scope Scope
	Names []string
	// Self is the pid descendant sweeps are anchored at; os.Getpid when zero.
	Self int
}

// Supervisor reaps session process trees.
type Supervisor struct {
	cfg    Config
	table  Table
	logger *zap.Logger
}

// New builds a Supervisor over the host process table.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	return NewWithTable(cfg, HostTable{}, logger)
}

// NewWithTable builds a Supervisor over table.
func NewWithTable(cfg Config, table Table, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeDescendants
	}
	if len(cfg.Names) == 0 {
		cfg.Names = DefaultNames
	}
	if cfg.Self == 0 {
		cfg.Self = os.Getpid()
	}
	return &Supervisor{cfg: cfg, table: table, logger: logger}
}

// Reap kills every process in the trees rooted at roots and returns how
// many were killed.
func (s *Supervisor) Reap(ctx context.Context, roots ...int) int {
	if len(roots) == 0 {
		return 0
	}
	snap, ok := s.snapshot(ctx)
	if !ok {
		return 0
	}
	var targets []int32
	for _, root := range roots {
		if root <= 0 || root == s.cfg.Self {
			continue
		}
		targets = append(targets, snap.tree(int32(root))...)
	}
	killed := s.killAll(ctx, targets)
	metrics.ObserveProcessesReaped("lease", killed)
	return killed
}

// TerminateAll kills browser processes within scope, skipping the trees
// rooted at keep, and returns how many were killed.
func (s *Supervisor) TerminateAll(ctx context.Context, keep ...int) int {
	snap, ok := s.snapshot(ctx)
	if !ok {
		return 0
	}
	spared := map[int32]bool{}
	for _, k := range keep {
		for _, pid := range snap.tree(int32(k)) {
			spared[pid] = true
		}
	}
	self := int32(s.cfg.Self)
	var targets []int32
	for _, p := range snap.procs {
		switch {
		case p.PID == self || spared[p.PID] || !s.matches(p.Name):
			continue
		case s.cfg.Scope != ScopeHost && !snap.descends(p.PID, self):
			continue
		}
		targets = append(targets, p.PID)
	}
	killed := s.killAll(ctx, targets)
	metrics.ObserveProcessesReaped("sweep", killed)
	if killed > 0 {
		s.logger.Info("terminated browser processes", zap.Int("count", killed), zap.String("scope", string(s.cfg.Scope)))
	}
	return killed
}

func (s *Supervisor) matches(name string) bool {
	name = strings.ToLower(name)
	return slices.ContainsFunc(s.cfg.Names, func(n string) bool {
		return strings.Contains(name, n)
	})
}

func (s *Supervisor) snapshot(ctx context.Context) (snapshot, bool) {
	procs, err := s.table.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("process snapshot failed", zap.Error(err))
		return snapshot{}, false
	}
	return newSnapshot(procs), true
}

func (s *Supervisor) killAll(ctx context.Context, pids []int32) int {
	killed := 0
	for _, pid := range pids {
		err := s.table.Kill(ctx, pid)
		if err != nil && !errors.Is(err, process.ErrorProcessNotRunning) {
			err = s.table.Kill(ctx, pid)
		}
		switch {
		case err == nil:
			killed++
		case errors.Is(err, process.ErrorProcessNotRunning):
		default:
			s.logger.Warn("kill process failed", zap.Int32("pid", pid), zap.Error(err))
		}
	}
	return killed
}

type snapshot struct {
	procs    []ProcInfo
	parent   map[int32]int32
	children map[int32][]int32
}

func newSnapshot(procs []ProcInfo) snapshot {
	s := snapshot{
		procs:    procs,
		parent:   make(map[int32]int32, len(procs)),
		children: make(map[int32][]int32, len(procs)),
	}
	for _, p := range procs {
		s.parent[p.PID] = p.PPID
		s.children[p.PPID] = append(s.children[p.PPID], p.PID)
	}
	return s
}

// tree returns root followed by its descendants, breadth first. Children are
// collected before anything is killed so orphans are not missed.
func (s snapshot) tree(root int32) []int32 {
	if _, ok := s.parent[root]; !ok {
		return nil
	}
	out := []int32{root}
	seen := map[int32]bool{root: true}
	for i := 0; i < len(out); i++ {
		for _, c := range s.children[out[i]] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func (s snapshot) descends(pid, ancestor int32) bool {
	seen := map[int32]bool{}
	for cur := s.parent[pid]; cur > 0 && !seen[cur]; cur = s.parent[cur] {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
	}
	return false
}

// HostTable reads the real process table through gopsutil.
type HostTable struct{}

// Snapshot lists running processes. Processes that vanish mid-scan are skipped.
func (HostTable) Snapshot(ctx context.Context) ([]ProcInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, ProcInfo{PID: p.Pid, PPID: ppid, Name: name})
	}
	return out, nil
}

// Kill sends SIGKILL to pid.
func (HostTable) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}
