package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/render-cache/internal/progress"
)

// LogSink writes each event as a structured log line. Non-terminal stages
// log at debug so production logs carry one line per finished job.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch {
		case evt.Stage == progress.StageJobError:
			level = zapcore.WarnLevel
		case evt.Stage.Terminal(), evt.Stage == progress.StageCacheWrite:
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "render event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.String("priority", evt.Priority),
			zap.Int("attempt", evt.Attempt),
			zap.Int("status_code", evt.StatusCode),
			zap.String("change_type", evt.ChangeType),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
