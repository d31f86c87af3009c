package deadletter

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink records dead letters to the structured log only. It is the fallback
// when no durable sink is configured, and the default in local development.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "DeadLetterLogSink").Logger()}
}

// Write logs the record at warn level.
func (s *LogSink) Write(_ context.Context, rec *Record) error {
	s.logger.Warn().
		Str("task_id", rec.TaskID).
		Str("topic", rec.Topic).
		Str("message_type", rec.MessageType).
		Int("attempts", rec.Attempts).
		Str("reason", rec.Reason).
		Bytes("raw_payload", rec.RawPayload).
		Msg("Dead-lettered message.")
	return nil
}

// Fanout duplicates each record to every configured sink. A failure in one
// sink does not prevent writes to the others; the first error is returned.
type Fanout []Sink

// Write sends the record to all sinks.
func (f Fanout) Write(ctx context.Context, rec *Record) error {
	var firstErr error
	for _, sink := range f {
		if err := sink.Write(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
