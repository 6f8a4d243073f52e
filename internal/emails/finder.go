// Package emails discovers contact email addresses for a site by scanning its
// landing page and, when that yields nothing, its likely contact pages.
package emails

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
)

// Provenance values reported with a Result.
const (
	ProvenanceMainPage    = "main_page"
	provenanceContactPage = "contact_page:"
)

// Candidate is an address plus where it was found.
type Candidate struct {
	Address    string
	Provenance string
}

// Result is the outcome of one search.
type Result struct {
	Emails     []string
	Provenance string
}

// Candidates pairs every address with the result provenance.
func (r Result) Candidates() []Candidate {
	out := make([]Candidate, len(r.Emails))
	for i, e := range r.Emails {
		out[i] = Candidate{Address: e, Provenance: r.Provenance}
	}
	return out
}

// Config tunes the search.
type Config struct {
	MainSettle    time.Duration
	ContactSettle time.Duration
	MaxCandidates int
}

// DefaultConfig mirrors the production settle times.
func DefaultConfig() Config {
	return Config{
		MainSettle:    3 * time.Second,
		ContactSettle: 5 * time.Second,
		MaxCandidates: 10,
	}
}

// Finder runs the email heuristic against a Page.
type Finder struct {
	cfg      Config
	logger   *zap.Logger
	progress func(msg string)
}

// Option customizes a Finder.
type Option func(*Finder)

// WithProgress registers a callback invoked before each contact page visit.
func WithProgress(fn func(msg string)) Option {
	return func(f *Finder) { f.progress = fn }
}

// NewFinder constructs a Finder.
func NewFinder(cfg Config, logger *zap.Logger, opts ...Option) *Finder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	f := &Finder{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find navigates to siteURL and returns the first non-empty address set. A
// failure to load siteURL is returned; failures on contact pages are logged
// and skipped. An empty Result with a nil error means nothing was found.
func (f *Finder) Find(ctx context.Context, page browser.Page, siteURL string) (Result, error) {
	origin, err := Origin(siteURL)
	if err != nil {
		return Result{}, err
	}
	markup, err := f.visit(ctx, page, siteURL, f.cfg.MainSettle)
	if err != nil {
		return Result{}, fmt.Errorf("load main page: %w", err)
	}

	candidates, err := ContactLinks(markup, origin, f.cfg.MaxCandidates)
	if err != nil {
		f.logger.Warn("contact link discovery failed", zap.String("url", siteURL), zap.Error(err))
	}

	if found := Extract(markup); len(found) > 0 {
		f.logger.Debug("emails found on main page", zap.String("url", siteURL), zap.Int("count", len(found)))
		return Result{Emails: found, Provenance: ProvenanceMainPage}, nil
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("email search canceled: %w", err)
		}
		if f.progress != nil {
			f.progress("Checking contact page " + candidate)
		}
		markup, err := f.visit(ctx, page, candidate, f.cfg.ContactSettle)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("email search canceled: %w", ctx.Err())
			}
			f.logger.Info("contact page unavailable", zap.String("url", candidate), zap.Error(err))
			continue
		}
		if found := Extract(markup); len(found) > 0 {
			return Result{Emails: found, Provenance: provenanceContactPage + candidate}, nil
		}
	}
	f.logger.Debug("no emails found", zap.String("url", siteURL), zap.Int("pages_checked", len(candidates)+1))
	return Result{}, nil
}

// Primary returns the first address Find reports.
func (f *Finder) Primary(ctx context.Context, page browser.Page, siteURL string) (string, bool, error) {
	res, err := f.Find(ctx, page, siteURL)
	if err != nil || len(res.Emails) == 0 {
		return "", false, err
	}
	return res.Emails[0], true, nil
}

func (f *Finder) visit(ctx context.Context, page browser.Page, url string, settle time.Duration) (string, error) {
	if err := page.Navigate(ctx, url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := browser.Settle(ctx, settle); err != nil {
		return "", err
	}
	markup, err := page.CurrentMarkup(ctx)
	if err != nil {
		return "", fmt.Errorf("read markup %s: %w", url, err)
	}
	return markup, nil
}
