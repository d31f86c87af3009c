package dispatch

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog"
)

// GooglePubsubQueueConfig holds configuration for the Pub/Sub-backed queue.
type GooglePubsubQueueConfig struct {
	TopicID string
	// BatchSize corresponds to Pub/Sub's CountThreshold.
	BatchSize int
	// BatchDelay corresponds to Pub/Sub's DelayThreshold.
	BatchDelay time.Duration
	// TopicExistsTimeout bounds the existence check at construction.
	TopicExistsTimeout time.Duration
	// PublishConfirmationTimeout bounds how long Enqueue waits for the broker
	// to accept a task. Enqueue does not return success before acceptance.
	PublishConfirmationTimeout time.Duration
}

// NewGooglePubsubQueueDefaults provides a config with sensible defaults for
// the single shared dispatch queue.
func NewGooglePubsubQueueDefaults() *GooglePubsubQueueConfig {
	return &GooglePubsubQueueConfig{
		TopicID:                    DefaultQueueName,
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// GooglePubsubQueue implements TaskQueue on a Google Cloud Pub/Sub topic.
// Pub/Sub provides the durable, at-least-once delivery contract the pipeline
// relies on; the task's routing metadata travels as message attributes.
type GooglePubsubQueue struct {
	topic                      *pubsub.Topic
	logger                     zerolog.Logger
	publishConfirmationTimeout time.Duration
}

// NewGooglePubsubQueue validates the topic's existence before returning a
// functional queue.
func NewGooglePubsubQueue(ctx context.Context, cfg *GooglePubsubQueueConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for queue")
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for queue topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("queue topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("GooglePubsubQueue initialized successfully.")
	return &GooglePubsubQueue{
		topic:                      topic,
		logger:                     logger.With().Str("component", "GooglePubsubQueue").Str("topic_id", cfg.TopicID).Logger(),
		publishConfirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Enqueue publishes the task and waits for broker acceptance. On error the
// task has not been handed off and the caller's delivery must stay unacked.
func (q *GooglePubsubQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := envelope.Encode(task.Envelope)
	if err != nil {
		return fmt.Errorf("failed to encode task envelope: %w", err)
	}

	res := q.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: task.Attributes(),
	})

	getCtx, cancel := context.WithTimeout(ctx, q.publishConfirmationTimeout)
	defer cancel()
	if _, err := res.Get(getCtx); err != nil {
		q.logger.Error().Err(err).Str("task_id", task.ID).Msg("Queue did not accept task.")
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	q.logger.Debug().
		Str("task_id", task.ID).
		Str("message_type", string(task.Envelope.MessageType)).
		Int("attempt", task.Attempt).
		Msg("Task enqueued.")
	return nil
}

// Stop flushes any batched tasks and releases topic resources.
func (q *GooglePubsubQueue) Stop() {
	q.logger.Info().Msg("Flushing remaining tasks and stopping queue topic...")
	q.topic.Stop()
}
