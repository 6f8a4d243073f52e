// Package chrome drives a dedicated Chrome process per session over the
// DevTools protocol using chromedp.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
)

// Config controls process launch details shared by every session.
type Config struct {
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// TempDir holds per-session profile directories; os.TempDir when empty.
	TempDir string
}

// Opener launches a fresh Chrome process for every session.
type Opener struct {
	cfg    Config
	logger *zap.Logger
}

// NewOpener builds an Opener.
func NewOpener(cfg Config, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{cfg: cfg, logger: logger}
}

// Open starts Chrome with opts and returns once the browser is reachable.
func (o *Opener) Open(ctx context.Context, opts browser.Options) (browser.Session, error) {
	opts = opts.WithDefaults()

	profile, err := os.MkdirTemp(o.cfg.TempDir, "crawlic-chrome-*")
	if err != nil {
		return nil, browser.SessionError("create profile dir", err)
	}
	if opts.DisableCookies {
		if err := writeCookiePolicy(profile); err != nil {
			_ = os.RemoveAll(profile)
			return nil, browser.SessionError("write profile preferences", err)
		}
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(opts) {
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	allocOpts = append(allocOpts,
		chromedp.UserDataDir(profile),
		chromedp.UserAgent(opts.UserAgent),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.Proxy != nil {
		allocOpts = append(allocOpts, chromedp.ProxyServer("http://"+opts.Proxy.Address()))
	}
	if o.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(o.cfg.ExecPath))
	}

	// The session outlives ctx, so the browser hangs off a background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
		profile:     profile,
		navTimeout:  opts.NavigationTimeout,
		logger:      o.logger,
	}
	if opts.Proxy != nil {
		s.listenProxyAuth(*opts.Proxy)
	}

	// The first Run allocates the browser and must use the undecorated tab
	// context; a deadline on it would tear the browser down when it fires.
	abort := context.AfterFunc(ctx, tabCancel)
	err = chromedp.Run(tabCtx)
	abort()
	if err != nil {
		_ = s.Close()
		return nil, browser.SessionError("start chrome", err)
	}
	setupCtx, stop := s.bind(ctx, opts.NavigationTimeout)
	defer stop()
	if err := chromedp.Run(setupCtx, s.setupAction(opts)); err != nil {
		_ = s.Close()
		return nil, browser.SessionError("start chrome", err)
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Browser != nil {
		if proc := c.Browser.Process(); proc != nil {
			s.pids = []int{proc.Pid}
		}
	}
	o.logger.Debug("chrome session started", zap.Ints("pids", s.pids), zap.Bool("proxy", opts.Proxy != nil))
	return s, nil
}

// launchFlags returns the Chrome switches implied by opts.
func launchFlags(opts browser.Options) map[string]any {
	flags := map[string]any{
		"no-sandbox":                     true,
		"disable-gpu":                    true,
		"enable-automation":              false,
		"disable-blink-features":         "AutomationControlled",
		"disable-dev-shm-usage":          true,
		"headless":                       false,
		"incognito":                      opts.Incognito,
		"disable-background-networking":  true,
		"disable-renderer-backgrounding": true,
	}
	if opts.Headless {
		flags["headless"] = "new"
	}
	return flags
}

// writeCookiePolicy blocks cookies through the profile's content settings.
func writeCookiePolicy(profile string) error {
	dir := filepath.Join(profile, "Default")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	prefs := map[string]any{
		"profile": map[string]any{
			"default_content_setting_values": map[string]int{"cookies": 2},
		},
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Preferences"), data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}

// Session is one Chrome process with a single tab.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	profile     string
	navTimeout  time.Duration
	pids        []int
	logger      *zap.Logger
	closeOnce   sync.Once
	closeErr    error
}

func (s *Session) setupAction(opts browser.Options) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetExtraHTTPHeaders(network.Headers{"DNT": "1"}).Do(ctx); err != nil {
			return fmt.Errorf("set do-not-track: %w", err)
		}
		if opts.Proxy != nil {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) listenProxyAuth(proxy browser.Proxy) {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}
				if err := chromedp.Run(s.ctx, fetch.ContinueWithAuth(e.RequestID, resp)); err != nil {
					s.logger.Debug("proxy auth reply failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				if err := chromedp.Run(s.ctx, fetch.ContinueRequest(e.RequestID)); err != nil {
					s.logger.Debug("continue paused request failed", zap.Error(err))
				}
			}()
		}
	})
}

// bind derives a context from the tab that also ends when parent ends.
func (s *Session) bind(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(parent, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// classify tags failures of the browser itself as session errors: a dead
// browser context, or the per-call timeout expiring while the caller is still
// waiting.
func (s *Session) classify(parent, runCtx context.Context, op string, err error) error {
	if s.ctx.Err() != nil {
		return browser.SessionError(op, err)
	}
	if parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return browser.SessionError(op, fmt.Errorf("no response within %s: %w", s.navTimeout, err))
	}
	return err
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, stop := s.bind(ctx, s.navTimeout)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		if s.ctx.Err() != nil {
			return browser.SessionError("navigate", err)
		}
		return browser.NavigationError(url, err)
	}
	return nil
}

// CurrentMarkup returns the serialized document element.
func (s *Session) CurrentMarkup(ctx context.Context) (string, error) {
	runCtx, stop := s.bind(ctx, s.navTimeout)
	defer stop()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", s.classify(ctx, runCtx, "read markup", fmt.Errorf("outer html: %w", err))
	}
	return html, nil
}

// Evaluate runs script and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, stop := s.bind(ctx, s.navTimeout)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, out)); err != nil {
		return s.classify(ctx, runCtx, "evaluate", fmt.Errorf("evaluate script: %w", err))
	}
	return nil
}

// PIDs returns the Chrome root process id.
func (s *Session) PIDs() []int {
	return append([]int(nil), s.pids...)
}

// Close shuts Chrome down and removes the profile directory.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.allocCancel()
		if err := os.RemoveAll(s.profile); err != nil {
			s.closeErr = fmt.Errorf("remove profile: %w", err)
		}
	})
	return s.closeErr
}
