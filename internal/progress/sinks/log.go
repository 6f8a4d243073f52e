package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlic/internal/progress"
)

// LogSink writes every event as a structured log line. Page loads and
// progress messages log at debug; attempt boundaries at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StagePageLoad, progress.StageTaskProgress:
			level = zapcore.DebugLevel
		case progress.StageTaskError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, string(evt.Stage))
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.Stringer("task_id", evt.TaskUUID()),
			zap.Int("attempt", evt.Attempt),
			zap.String("kind", evt.Kind),
			zap.String("url", evt.URL),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site), zap.String("status", evt.Status))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
