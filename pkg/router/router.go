// Package router turns accepted broker messages into tasks on the single
// dispatch queue. It classifies by the declared message type and never
// unpacks domain semantics.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog"
)

// Config holds the enqueue retry policy. Queue-unavailable is the router's
// only failure mode; it is retried here and never dropped.
type Config struct {
	// EnqueueMaxRetries bounds retries after the first enqueue attempt.
	EnqueueMaxRetries int
	// EnqueueInitialBackoff is the delay before the first retry.
	EnqueueInitialBackoff time.Duration
	// EnqueueMaxBackoff caps the exponential retry delay.
	EnqueueMaxBackoff time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.EnqueueMaxRetries <= 0 {
		cfg.EnqueueMaxRetries = 5
	}
	if cfg.EnqueueInitialBackoff <= 0 {
		cfg.EnqueueInitialBackoff = 200 * time.Millisecond
	}
	if cfg.EnqueueMaxBackoff <= 0 {
		cfg.EnqueueMaxBackoff = 5 * time.Second
	}
	return cfg
}

// Router validates inbound payloads and enqueues them as tasks. All message
// types share one physical queue; dispatch is by in-task metadata, so rare
// types are never head-of-line blocked behind a flooded common type.
type Router struct {
	cfg    Config
	queue  dispatch.TaskQueue
	sink   deadletter.Sink
	logger zerolog.Logger
}

// NewRouter creates a router enqueueing to queue and dead-lettering
// undecodable payloads to sink.
func NewRouter(cfg Config, queue dispatch.TaskQueue, sink deadletter.Sink, logger zerolog.Logger) (*Router, error) {
	if queue == nil {
		return nil, fmt.Errorf("task queue cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("dead-letter sink cannot be nil")
	}
	return &Router{
		cfg:    cfg.withDefaults(),
		queue:  queue,
		sink:   sink,
		logger: logger.With().Str("component", "Router").Logger(),
	}, nil
}

// Route decodes one raw broker message and hands it to the dispatch queue.
// A nil return means the message has been durably accepted (either as a task
// or as a dead-letter record) and the broker delivery may be acknowledged.
// A non-nil return means the message must stay unacknowledged so the broker
// redelivers it, preserving at-least-once delivery end to end.
func (r *Router) Route(ctx context.Context, topic string, payload []byte, receivedAt time.Time) error {
	env, err := envelope.Decode(payload, receivedAt)
	if err != nil {
		// Decode failures are non-fatal: dead-letter with reason and move on.
		return r.deadLetterRaw(ctx, topic, payload, err)
	}

	r.crossCheckTopic(topic, env)

	task := dispatch.NewTask(env)
	if err := r.enqueueWithRetry(ctx, task); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("Enqueue retries exhausted, leaving broker message unacknowledged.")
		return err
	}

	r.logger.Debug().
		Str("task_id", task.ID).
		Str("bike_id", env.BikeID).
		Str("message_type", string(env.MessageType)).
		Msg("Message routed.")
	return nil
}

// crossCheckTopic compares the device-id segment of the topic with the
// payload bike_id. A mismatch is logged but does not block processing; the
// payload value is authoritative for routing.
func (r *Router) crossCheckTopic(topic string, env *envelope.Envelope) {
	topicBikeID, _, ok := envelope.ParseTopic(topic)
	if !ok {
		r.logger.Warn().Str("topic", topic).Msg("Message arrived on a topic outside the bike/{id}/{kind} scheme.")
		return
	}
	if topicBikeID != env.BikeID {
		r.logger.Warn().
			Str("topic", topic).
			Str("topic_bike_id", topicBikeID).
			Str("payload_bike_id", env.BikeID).
			Msg("Topic bike id does not match payload bike_id; trusting payload.")
	}
}

func (r *Router) enqueueWithRetry(ctx context.Context, task *dispatch.Task) error {
	backoff := r.cfg.EnqueueInitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.EnqueueMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.cfg.EnqueueMaxBackoff {
				backoff = r.cfg.EnqueueMaxBackoff
			}
		}

		lastErr = r.queue.Enqueue(ctx, task)
		if lastErr == nil {
			return nil
		}
		r.logger.Warn().Err(lastErr).Int("enqueue_attempt", attempt+1).Msg("Dispatch queue unavailable, retrying.")
	}
	return fmt.Errorf("enqueue failed after %d retries: %w", r.cfg.EnqueueMaxRetries, lastErr)
}

func (r *Router) deadLetterRaw(ctx context.Context, topic string, payload []byte, cause error) error {
	rec := &deadletter.Record{
		Topic:      topic,
		RawPayload: payload,
		Reason:     cause.Error(),
		Attempts:   1,
		FailedAt:   time.Now().UTC(),
	}
	if err := r.sink.Write(ctx, rec); err != nil {
		// Not durable anywhere yet; keep the broker message alive.
		return fmt.Errorf("failed to dead-letter undecodable message: %w", err)
	}
	r.logger.Warn().Str("topic", topic).Str("reason", cause.Error()).Msg("Undecodable message dead-lettered.")
	return nil
}
