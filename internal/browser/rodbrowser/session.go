// Package rodbrowser provides sessions driven by go-rod with the stealth
// evasions applied to every page, for sites that fingerprint automation.
package rodbrowser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
)

const blockCookies = `{"profile":{"default_content_setting_values":{"cookies":2}}}`

// Config controls how browsers are launched.
type Config struct {
	Bin     string
	TempDir string
}

// Opener launches one browser per session.
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

// Open launches a browser, connects to it and creates a stealth page.
func (o *Opener) Open(ctx context.Context, opts browser.Options) (browser.Session, error) {
	opts = opts.WithDefaults()

	profile, err := os.MkdirTemp(o.cfg.TempDir, "crawlic-rod-*")
	if err != nil {
		return nil, browser.SessionError("create profile dir", err)
	}
	l := newLauncher(o.cfg, opts, profile).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		_ = os.RemoveAll(profile)
		return nil, browser.SessionError("launch browser", err)
	}

	s := &Session{
		launcher:   l,
		navTimeout: opts.NavigationTimeout,
		logger:     o.logger,
	}
	root := rod.New().ControlURL(controlURL).Context(context.Background())
	if err := root.Connect(); err != nil {
		s.kill()
		return nil, browser.SessionError("connect browser", err)
	}
	s.root = root

	target := root
	if opts.Incognito {
		if target, err = root.Incognito(); err != nil {
			_ = s.Close()
			return nil, browser.SessionError("open incognito context", err)
		}
	}
	if opts.Proxy != nil {
		go s.answerProxyAuth(*opts.Proxy)
	}

	page, err := stealth.Page(target)
	if err != nil {
		_ = s.Close()
		return nil, browser.SessionError("create stealth page", err)
	}
	s.page = page
	o.logger.Debug("rod session started", zap.Int("pid", l.PID()))
	return s, nil
}

func newLauncher(cfg Config, opts browser.Options, profile string) *launcher.Launcher {
	l := launcher.New().
		Leakless(true).
		Headless(opts.Headless).
		NoSandbox(true).
		UserDataDir(profile).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("user-agent"), opts.UserAgent).
		Set(flags.Flag("window-size"), strconv.Itoa(opts.WindowWidth)+","+strconv.Itoa(opts.WindowHeight))
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	if opts.Proxy != nil {
		l = l.Proxy(opts.Proxy.Address())
	}
	if opts.DisableCookies {
		l = l.Preferences(blockCookies)
	}
	return l
}

// Session wraps one launched browser and its stealth page.
type Session struct {
	launcher   *launcher.Launcher
	root       *rod.Browser
	page       *rod.Page
	navTimeout time.Duration
	logger     *zap.Logger
	closeOnce  sync.Once
	closeErr   error
}

// answerProxyAuth replies to proxy challenges until the browser goes away.
func (s *Session) answerProxyAuth(proxy browser.Proxy) {
	for {
		wait := s.root.HandleAuth(proxy.Username, proxy.Password)
		if err := wait(); err != nil {
			s.logger.Debug("proxy auth handler stopped", zap.Error(err))
			return
		}
	}
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	p := s.page.Context(runCtx)
	if err := p.Navigate(url); err != nil {
		return browser.NavigationError(url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return browser.NavigationError(url, fmt.Errorf("wait load: %w", err))
	}
	return nil
}

// CurrentMarkup returns the page HTML.
func (s *Session) CurrentMarkup(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	html, err := s.page.Context(runCtx).HTML()
	if err != nil {
		return "", browser.SessionError("read markup", err)
	}
	return html, nil
}

// Evaluate runs script, which may be an expression or a function, and
// decodes its value into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	runCtx, cancel := context.WithTimeout(ctx, s.navTimeout)
	defer cancel()
	res, err := s.page.Context(runCtx).Eval(script)
	if err != nil {
		return browser.SessionError("evaluate", err)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Errorf("encode eval result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode eval result: %w", err)
	}
	return nil
}

// PIDs returns the launched browser's process id.
func (s *Session) PIDs() []int {
	if pid := s.launcher.PID(); pid > 0 {
		return []int{pid}
	}
	return nil
}

// Close closes the browser, kills what is left and removes the profile.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.root != nil {
			if err := s.root.Close(); err != nil {
				s.closeErr = fmt.Errorf("close browser: %w", err)
			}
		}
		s.kill()
	})
	return s.closeErr
}

func (s *Session) kill() {
	s.launcher.Kill()
	s.launcher.Cleanup()
}
