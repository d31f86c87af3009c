// Package handler defines the boundary between the pipeline and the business
// logic registered for each message type. The pipeline owns retries and
// dead-lettering; handlers only report an outcome.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog"
)

// Status is the terminal classification of one handler invocation.
type Status int

const (
	// StatusAck retires the task.
	StatusAck Status = iota
	// StatusRetry re-queues the task for another attempt.
	StatusRetry
	// StatusDeadLetter sends the task to the dead-letter sink immediately,
	// without consuming the remaining attempts.
	StatusDeadLetter
)

// Outcome is the result of processing one envelope.
type Outcome struct {
	Status Status
	Reason string
}

// Ack reports successful processing.
func Ack() Outcome { return Outcome{Status: StatusAck} }

// Retry reports a transient failure worth another attempt.
func Retry(reason string) Outcome { return Outcome{Status: StatusRetry, Reason: reason} }

// DeadLetter reports a permanent failure that retrying cannot fix.
func DeadLetter(reason string) Outcome { return Outcome{Status: StatusDeadLetter, Reason: reason} }

// Handler processes one validated envelope. Because delivery is
// at-least-once, implementations must be safe to invoke more than once for
// the same logical event; IdempotencyKey provides a stable key for that.
// Handlers must not manage their own retries.
type Handler interface {
	Process(ctx context.Context, env *envelope.Envelope) Outcome
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, env *envelope.Envelope) Outcome

// Process calls f.
func (f Func) Process(ctx context.Context, env *envelope.Envelope) Outcome { return f(ctx, env) }

// IdempotencyKey derives a stable deduplication key from the fields that
// identify a logical event. The pipeline itself never deduplicates.
func IdempotencyKey(env *envelope.Envelope) string {
	return fmt.Sprintf("%s:%d:%s", env.BikeID, env.Timestamp, env.MessageType)
}

// Registry maps message types onto their handlers. Types without a
// registered handler resolve to the unknown handler, so the dispatch table
// is bounded and new device message kinds are processed without failures.
type Registry struct {
	mu       sync.RWMutex
	handlers map[envelope.MessageType]Handler
	unknown  Handler
}

// NewRegistry creates a registry whose fallback is a log-only handler that
// acknowledges unrecognized types.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[envelope.MessageType]Handler),
		unknown:  NewUnknownHandler(logger),
	}
}

// Register binds a handler to a message type. Registering TypeUnknown
// replaces the fallback handler.
func (r *Registry) Register(t envelope.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t == envelope.TypeUnknown {
		r.unknown = h
		return
	}
	r.handlers[t] = h
}

// Resolve returns the handler for a message type, falling back to the
// unknown handler. It never returns nil.
func (r *Registry) Resolve(t envelope.MessageType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[t]; ok {
		return h
	}
	return r.unknown
}

// NewUnknownHandler returns the no-op handler invoked for message types with
// no registered processor. Unknown types are not failures: the envelope is
// logged and the task acknowledged, never retried or dead-lettered.
func NewUnknownHandler(logger zerolog.Logger) Handler {
	log := logger.With().Str("component", "UnknownHandler").Logger()
	return Func(func(_ context.Context, env *envelope.Envelope) Outcome {
		log.Warn().
			Str("bike_id", env.BikeID).
			Str("message_type", string(env.MessageType)).
			Msg("No handler registered for message type, acknowledging.")
		return Ack()
	})
}
