// ABOUTME: LogSink writes activity events to a structured logger
// ABOUTME: Always installed so activity is visible even without a monitoring room

package activity

import (
	"context"
	"log/slog"
)

// LogSink logs each event at info level, errors at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink. Pass nil logger for default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "activity")}
}

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, events []Event) error {
	for _, e := range events {
		level := slog.LevelInfo
		if e.Type == TypeError {
			level = slog.LevelWarn
		}
		attrs := []any{
			"type", string(e.Type),
			"session", e.SessionName,
			"summary", e.Summary,
		}
		if len(e.Details) > 0 {
			attrs = append(attrs, "details", e.Details)
		}
		s.logger.Log(ctx, level, "session activity", attrs...)
	}
	return nil
}
