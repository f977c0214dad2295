package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
)

// LogSink writes one structured entry per transition. Terminal transitions
// log at Info, everything else at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch in order.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		if evt.Terminal() {
			level = zapcore.InfoLevel
		}
		ce := s.logger.Check(level, "job transition")
		if ce == nil {
			continue
		}
		ce.Write(transitionFields(evt)...)
	}
	return nil
}

func transitionFields(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", evt.JobID),
		zap.String("from", string(evt.From)),
		zap.String("to", string(evt.To)),
		zap.Int("attempt", evt.Attempt),
		zap.Time("at", evt.TS),
	}
	optional := [][2]string{
		{"user_id", evt.UserID},
		{"region", evt.Region},
		{"result_ref", evt.ResultRef},
		{"error", evt.Error},
		{"note", evt.Note},
	}
	for _, kv := range optional {
		if kv[1] != "" {
			fields = append(fields, zap.String(kv[0], kv[1]))
		}
	}
	return fields
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
