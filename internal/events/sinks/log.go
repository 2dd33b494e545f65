// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/events"
)

// LogSink writes each event as a structured log line. Useful in development
// and anywhere a durable sink is not configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("crawl event",
			zap.String("run_id", evt.RunID),
			zap.String("type", string(evt.Type)),
			zap.String("worker_id", evt.WorkerID),
			zap.String("url", evt.URL),
			zap.String("host", evt.Host),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Int64("bytes", evt.Bytes),
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
