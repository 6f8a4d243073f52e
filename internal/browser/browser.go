// Package browser defines the session boundary between task execution and a
// concrete browser driver. Sessions are explicit values owned by exactly one
// caller; there is no shared or ambient browser.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultUserAgent is presented by every driver unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/112.0.5615.138 Safari/537.36 AVG/112.0.21002.139"

var (
	// ErrNavigation wraps failures to load a page (timeouts, DNS, resets).
	ErrNavigation = errors.New("navigation failed")
	// ErrSession wraps failures of the browser process itself.
	ErrSession = errors.New("browser session failed")
	// ErrUnsupported is returned by drivers that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by driver")
)

// Page is the part of a session needed to load and read documents.
type Page interface {
	Navigate(ctx context.Context, url string) error
	CurrentMarkup(ctx context.Context) (string, error)
}

// Session is one isolated browser instance.
type Session interface {
	Page
	// Evaluate runs script in the current page and decodes its result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// PIDs reports the OS processes started for this session.
	PIDs() []int
	// Close terminates the browser and releases its resources. Safe to call twice.
	Close() error
}

// Opener starts new sessions.
type Opener interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, opts Options) (Session, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, opts Options) (Session, error) { return f(ctx, opts) }

// Proxy is an authenticated HTTP proxy.
type Proxy struct {
	Host     string
	Port     string
	Username string
	Password string
}

// Address returns host:port.
func (p Proxy) Address() string { return p.Host + ":" + p.Port }

// ParseProxy reads the ip:port:user:pass form. Any other shape is rejected.
func ParseProxy(s string) (*Proxy, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return &Proxy{Host: parts[0], Port: parts[1], Username: parts[2], Password: parts[3]}, true
}

// Options configures a new session.
type Options struct {
	Headless          bool
	Incognito         bool
	DisableCookies    bool
	Proxy             *Proxy
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	NavigationTimeout time.Duration
}

// DefaultOptions returns the options used for task sessions.
func DefaultOptions() Options {
	return Options{
		Headless:          true,
		Incognito:         true,
		UserAgent:         DefaultUserAgent,
		WindowWidth:       1920,
		WindowHeight:      1080,
		NavigationTimeout: 45 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.WindowWidth <= 0 || o.WindowHeight <= 0 {
		o.WindowWidth, o.WindowHeight = d.WindowWidth, d.WindowHeight
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = d.NavigationTimeout
	}
	return o
}

// Settle waits d for client-side rendering or until ctx ends.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// NavigationError tags err as a navigation failure for url.
func NavigationError(url string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
}

// SessionError tags err as a session failure.
func SessionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSession, op, err)
}
