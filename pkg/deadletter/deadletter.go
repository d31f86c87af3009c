// Package deadletter provides the durable destination for messages and tasks
// that failed validation or exhausted their retries. Records are preserved
// for inspection, never discarded.
package deadletter

import (
	"context"
	"time"
)

// Record captures one failed message or task.
type Record struct {
	// TaskID correlates the record with pipeline logs. Empty for raw messages
	// that failed before a task was created.
	TaskID string `json:"task_id,omitempty"`
	// Topic is the broker topic the original message arrived on, when known.
	Topic string `json:"topic,omitempty"`
	// MessageType is the routed type, when decoding got that far.
	MessageType string `json:"message_type,omitempty"`
	// RawPayload is the original envelope bytes, or the raw broker payload for
	// decode failures.
	RawPayload []byte `json:"raw_payload"`
	// Reason is the terminal failure reason.
	Reason string `json:"reason"`
	// Attempts is the delivery attempt count at the time of failure.
	Attempts int `json:"attempts"`
	// FailedAt is when the record was produced.
	FailedAt time.Time `json:"failed_at"`
}

// Sink writes dead-letter records to a durable destination.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}
