package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/config"
	"github.com/JakeFAU/crawlic/internal/task"
)

const oncePoll = 200 * time.Millisecond

// RunOnce executes a single task in process with in-memory queue and store
// and returns its terminal status. Retries still honor the configured
// backoff.
func RunOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, p task.Payload, opts ...Option) (task.Status, error) {
	cfg.Queue.Backend = config.BackendMemory
	cfg.Store.Backend = config.BackendMemory
	cfg.Worker.Concurrency = 1

	app, err := Build(ctx, cfg, logger, opts...)
	if err != nil {
		return task.Status{}, err
	}
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Dispatcher.Run(runCtx) }()
	defer func() {
		stop()
		<-done
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg))
		defer cancel()
		app.Close(closeCtx)
	}()

	var id string
	switch p := p.(type) {
	case task.Distill:
		id, err = app.Service.SubmitFetchAndDistill(ctx, p.URL)
	case task.FindEmails:
		id, err = app.Service.SubmitFindEmails(ctx, p.URL)
	default:
		err = fmt.Errorf("%w: %T", task.ErrUnknownKind, p)
	}
	if err != nil {
		return task.Status{}, err
	}

	ticker := time.NewTicker(oncePoll)
	defer ticker.Stop()
	for {
		st, err := app.Service.GetTaskStatus(ctx, id)
		if err != nil {
			return task.Status{}, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("wait for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
