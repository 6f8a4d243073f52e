// Package static implements browser sessions over plain HTTP with colly. It
// runs no JavaScript and suits pages whose content is server rendered.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlic/internal/browser"
)

// Opener creates colly-backed sessions.
type Opener struct{}

// NewOpener builds an Opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Open returns a session with its own collector, transport and cookie jar.
func (o *Opener) Open(_ context.Context, opts browser.Options) (browser.Session, error) {
	opts = opts.WithDefaults()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.UserAgent = opts.UserAgent
	c.SetRequestTimeout(opts.NavigationTimeout)
	c.WithTransport(newHTTPTransport())
	if opts.DisableCookies {
		c.DisableCookies()
	}
	if opts.Proxy != nil {
		proxyURL := &url.URL{
			Scheme: "http",
			User:   url.UserPassword(opts.Proxy.Username, opts.Proxy.Password),
			Host:   opts.Proxy.Address(),
		}
		if err := c.SetProxy(proxyURL.String()); err != nil {
			return nil, browser.SessionError("set proxy", err)
		}
	}
	return &Session{collector: c}, nil
}

// Session keeps the last fetched document as its current page.
type Session struct {
	collector *colly.Collector

	mu     sync.Mutex
	markup string
	url    string
	closed bool
}

// Navigate fetches url and makes its body the current page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return browser.SessionError("navigate", errors.New("session closed"))
	}

	var (
		body     string
		finalURL string
		fetchErr error
	)
	c := s.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("DNT", "1")
	})
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
		finalURL = r.Request.URL.String()
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return browser.NavigationError(url, fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return browser.NavigationError(url, fmt.Errorf("visit: %w", err))
		}
		if fetchErr != nil {
			return browser.NavigationError(url, fmt.Errorf("response: %w", fetchErr))
		}
	}

	s.mu.Lock()
	s.markup, s.url = body, finalURL
	s.mu.Unlock()
	return nil
}

// CurrentMarkup returns the body of the last successful navigation.
func (s *Session) CurrentMarkup(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markup, nil
}

// URL returns the final URL of the last successful navigation.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Evaluate is not available without a JavaScript engine.
func (s *Session) Evaluate(context.Context, string, any) error {
	return browser.ErrUnsupported
}

// PIDs is empty: no processes are started.
func (s *Session) PIDs() []int { return nil }

// Close marks the session unusable.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
