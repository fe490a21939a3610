// Package sinks provides the built-in event sinks: structured logs,
// Prometheus collectors, and the live subscriber feed behind the SSE stream.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/events"
)

// LogSink emits structured logs for the lifecycle stream. Useful in
// development and when auditing a source's history without a durable store.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("source_id", evt.SourceID),
			zap.String("type", string(evt.Type)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		for k, v := range evt.Detail {
			fields = append(fields, zap.String(k, v))
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
