package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each event as a structured log entry.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("verification event",
			zap.Time("ts", evt.TS),
			zap.String("result", string(evt.Result)),
			zap.String("reason", evt.Reason),
			zap.String("rp", evt.RP),
			zap.Int("status", evt.Status),
			zap.Duration("dur", evt.Dur),
		)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
