package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlic/internal/metrics"
)

// HostLimiter paces navigations per host across all sessions of a process.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHostLimiter builds a limiter allowing qps navigations per second per
// host. A non-positive qps disables pacing.
func NewHostLimiter(qps float64, burst int) *HostLimiter {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a navigation to rawURL may proceed.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host limiter wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleDelay(host, waited)
	}
	return nil
}

type throttledSession struct {
	Session
	limiter *HostLimiter
}

// Throttle wraps s so every Navigate waits on limiter first.
func Throttle(s Session, limiter *HostLimiter) Session {
	if limiter == nil {
		return s
	}
	return &throttledSession{Session: s, limiter: limiter}
}

func (t *throttledSession) Navigate(ctx context.Context, url string) error {
	if err := t.limiter.Wait(ctx, url); err != nil {
		return err
	}
	return t.Session.Navigate(ctx, url)
}

// ThrottledOpener decorates every session opened by next with limiter.
func ThrottledOpener(next Opener, limiter *HostLimiter) Opener {
	return OpenerFunc(func(ctx context.Context, opts Options) (Session, error) {
		s, err := next.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return Throttle(s, limiter), nil
	})
}
