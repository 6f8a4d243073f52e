package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
	"github.com/JakeFAU/crawlic/internal/metrics"
)

// Reaper kills the process trees rooted at the given pids.
type Reaper interface {
	Reap(ctx context.Context, roots ...int) int
}

const releaseTimeout = 10 * time.Second

// lease binds one browser session to one attempt.
type lease struct {
	session browser.Session
	reaper  Reaper
	logger  *zap.Logger

	mu       sync.Mutex
	pids     []int
	released bool
}

func openLease(
	ctx context.Context,
	opener browser.Opener,
	opts browser.Options,
	reaper Reaper,
	driver string,
	logger *zap.Logger,
) (*lease, error) {
	session, err := opener.Open(ctx, opts)
	if err != nil {
		metrics.ObserveSession(driver, "error")
		if !errors.Is(err, browser.ErrSession) && !errors.Is(err, browser.ErrNavigation) {
			err = browser.SessionError("open", err)
		}
		return nil, err
	}
	metrics.ObserveSession(driver, "ok")
	l := &lease{session: session, reaper: reaper, logger: logger}
	l.track()
	logger.Debug("browser lease opened", zap.Ints("pids", l.pids))
	return l, nil
}

// track records any pids the session reports now.
func (l *lease) track() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pid := range l.session.PIDs() {
		if pid > 0 && !slices.Contains(l.pids, pid) {
			l.pids = append(l.pids, pid)
		}
	}
}

func (l *lease) roots() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.pids)
}

// kill terminates the session's processes without waiting for the attempt.
func (l *lease) kill() {
	l.track()
	if l.reaper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	n := l.reaper.Reap(ctx, l.roots()...)
	l.logger.Warn("browser lease killed", zap.Int("processes", n))
}

// release closes the session and reaps whatever it left behind. Only the
// first call does anything.
func (l *lease) release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	l.track()
	if err := l.session.Close(); err != nil {
		l.logger.Debug("browser close failed", zap.Error(err))
	}
	if l.reaper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	l.reaper.Reap(ctx, l.roots()...)
}
