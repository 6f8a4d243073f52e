package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/progress"
	"github.com/JakeFAU/crawlic/internal/store"
)

// StoreSink records attempt history through a store.RunRepository. Page
// loads within a batch are summed per attempt before they are written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink builds a StoreSink.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type pageDelta struct {
	pages int64
	bytes int64
}

// Consume implements progress.Sink.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[attemptKey]*pageDelta)
	var order []attemptKey

	for _, evt := range batch {
		key := attemptKey{id: evt.TaskID, attempt: evt.Attempt}
		switch evt.Stage {
		case progress.StageTaskStart:
			if err := s.repo.StartRun(ctx, evt.TaskUUID(), evt.Attempt, evt.Kind, evt.URL, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StagePageLoad:
			d, ok := deltas[key]
			if !ok {
				d = &pageDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			d.pages++
			d.bytes += evt.Bytes
		case progress.StageTaskRetry, progress.StageTaskDone, progress.StageTaskError:
			if err := s.flushDelta(ctx, key, deltas); err != nil {
				return err
			}
			var note *string
			if evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.FinishRun(ctx, evt.TaskUUID(), evt.Attempt, evt.TS, outcomeFor(evt.Stage), note); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	for _, key := range order {
		if err := s.flushDelta(ctx, key, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushDelta(ctx context.Context, key attemptKey, deltas map[attemptKey]*pageDelta) error {
	d, ok := deltas[key]
	if !ok || d.pages == 0 {
		return nil
	}
	delete(deltas, key)
	if err := s.repo.AddPageLoads(ctx, progress.Event{TaskID: key.id}.TaskUUID(), key.attempt, d.pages, d.bytes); err != nil {
		return fmt.Errorf("add page loads: %w", err)
	}
	return nil
}

func outcomeFor(stage progress.Stage) store.RunOutcome {
	switch stage {
	case progress.StageTaskDone:
		return store.RunSuccess
	case progress.StageTaskRetry:
		return store.RunRetry
	default:
		return store.RunFailure
	}
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
