package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/browser"
	"github.com/JakeFAU/crawlic/internal/distill"
	"github.com/JakeFAU/crawlic/internal/emails"
	"github.com/JakeFAU/crawlic/internal/hash/sha256"
	"github.com/JakeFAU/crawlic/internal/metrics"
	"github.com/JakeFAU/crawlic/internal/progress"
	"github.com/JakeFAU/crawlic/internal/task"
)

// Progress checkpoints reported by the executors.
const (
	MsgExtracting  = "Extracting content"
	MsgEmailSearch = "Starting email search"
)

const snapshotContentType = "text/html; charset=utf-8"

// executor runs one attempt's payload against the leased session.
type executor struct {
	w    *Worker
	a    *attempt
	page browser.Page
}

var _ task.Executor = (*executor)(nil)

func (w *Worker) newExecutor(a *attempt, session browser.Session) *executor {
	e := &executor{w: w, a: a}
	e.page = &observedPage{Page: session, onLoad: e.pageLoaded}
	return e
}

// Distill implements task.Executor.
func (e *executor) Distill(ctx context.Context, req task.Distill) (task.Result, error) {
	e.report(ctx, MsgExtracting)
	if err := e.page.Navigate(ctx, req.URL); err != nil {
		return task.Result{}, err
	}
	if err := browser.Settle(ctx, e.w.cfg.DistillSettle); err != nil {
		return task.Result{}, err
	}
	markup, err := e.page.CurrentMarkup(ctx)
	if err != nil {
		return task.Result{}, err
	}
	e.snapshot(ctx, markup)
	content := distill.Document(distill.RawDocument{URL: req.URL, Markup: markup})
	return task.DistillResult(content), nil
}

// FindEmails implements task.Executor.
func (e *executor) FindEmails(ctx context.Context, req task.FindEmails) (task.Result, error) {
	e.report(ctx, MsgEmailSearch)
	finder := emails.NewFinder(e.w.cfg.Emails, e.a.logger.Named("emails"),
		emails.WithProgress(func(msg string) { e.report(ctx, msg) }))
	res, err := finder.Find(ctx, e.page, req.URL)
	if err != nil {
		return task.Result{}, err
	}
	e.a.logger.Info("email search finished",
		zap.Int("found", len(res.Emails)),
		zap.String("provenance", res.Provenance))
	return task.EmailsResult(res.Emails), nil
}

func (e *executor) report(ctx context.Context, msg string) {
	if err := e.w.deps.Store.SetProgress(ctx, e.a.taskID, msg); err != nil && !errors.Is(err, task.ErrFinished) {
		e.a.logger.Warn("progress update failed", zap.String("progress", msg), zap.Error(err))
	}
	evt := e.a.event(progress.StageTaskProgress, e.w.deps.Clock.Now())
	evt.Note = msg
	e.w.emit(evt)
}

func (e *executor) pageLoaded(url, status string, size int) {
	evt := e.a.event(progress.StagePageLoad, e.w.deps.Clock.Now())
	evt.URL = url
	evt.Site = metrics.SanitizeSite(url)
	evt.Status = status
	evt.Bytes = int64(size)
	e.w.emit(evt)
}

// snapshot archives markup by content digest. Failures are logged only.
func (e *executor) snapshot(ctx context.Context, markup string) {
	if e.w.deps.Blobs == nil || e.w.deps.Hasher == nil || markup == "" {
		return
	}
	data := []byte(markup)
	digest, err := e.w.deps.Hasher.Hash(data)
	if err != nil {
		e.a.logger.Warn("snapshot hash failed", zap.Error(err))
		return
	}
	path := sha256.ShardedPath(e.w.cfg.SnapshotPrefix, digest, "html")
	uri, err := e.w.deps.Blobs.PutObject(ctx, path, snapshotContentType, data)
	if err != nil {
		e.a.logger.Warn("snapshot upload failed", zap.String("path", path), zap.Error(err))
		return
	}
	e.a.logger.Debug("snapshot stored", zap.String("uri", uri))
}

// observedPage reports every load to onLoad.
type observedPage struct {
	browser.Page
	onLoad func(url, status string, size int)
	last   string
}

func (p *observedPage) Navigate(ctx context.Context, url string) error {
	p.last = url
	if err := p.Page.Navigate(ctx, url); err != nil {
		p.onLoad(url, progress.PageError, 0)
		return err
	}
	return nil
}

func (p *observedPage) CurrentMarkup(ctx context.Context) (string, error) {
	markup, err := p.Page.CurrentMarkup(ctx)
	if err != nil {
		p.onLoad(p.last, progress.PageError, 0)
		return "", err
	}
	p.onLoad(p.last, progress.PageOK, len(markup))
	return markup, nil
}
