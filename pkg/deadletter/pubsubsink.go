package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubsubSinkConfig holds configuration for the Pub/Sub dead-letter sink.
type PubsubSinkConfig struct {
	TopicID string
	// PublishConfirmationTimeout bounds the wait for broker acceptance.
	PublishConfirmationTimeout time.Duration
	// TopicExistsTimeout bounds the existence check at construction.
	TopicExistsTimeout time.Duration
}

// NewPubsubSinkDefaults provides a config with sensible defaults.
func NewPubsubSinkDefaults(topicID string) *PubsubSinkConfig {
	return &PubsubSinkConfig{
		TopicID:                    topicID,
		PublishConfirmationTimeout: 20 * time.Second,
		TopicExistsTimeout:         15 * time.Second,
	}
}

// PubsubSink publishes dead-letter records to a dedicated Pub/Sub topic so
// they remain durable and inspectable alongside the rest of the dataflow.
type PubsubSink struct {
	topic                      *pubsub.Topic
	logger                     zerolog.Logger
	publishConfirmationTimeout time.Duration
}

// NewPubsubSink validates the topic's existence before returning a sink.
func NewPubsubSink(ctx context.Context, cfg *PubsubSinkConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for dead-letter sink")
	}
	topic := client.Topic(cfg.TopicID)

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for dead-letter topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("dead-letter topic %s does not exist", cfg.TopicID)
	}

	return &PubsubSink{
		topic:                      topic,
		logger:                     logger.With().Str("component", "DeadLetterPubsubSink").Str("topic_id", cfg.TopicID).Logger(),
		publishConfirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Write publishes the record and waits for broker acceptance.
func (s *PubsubSink) Write(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}

	res := s.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"task_id":      rec.TaskID,
			"message_type": rec.MessageType,
			"attempts":     strconv.Itoa(rec.Attempts),
		},
	})

	getCtx, cancel := context.WithTimeout(ctx, s.publishConfirmationTimeout)
	defer cancel()
	if _, err := res.Get(getCtx); err != nil {
		s.logger.Error().Err(err).Str("task_id", rec.TaskID).Msg("Failed to publish dead-letter record.")
		return fmt.Errorf("failed to publish dead-letter record: %w", err)
	}

	s.logger.Warn().
		Str("task_id", rec.TaskID).
		Str("message_type", rec.MessageType).
		Int("attempts", rec.Attempts).
		Str("reason", rec.Reason).
		Msg("Dead-lettered message.")
	return nil
}

// Stop flushes buffered records and releases topic resources.
func (s *PubsubSink) Stop() {
	s.topic.Stop()
}
