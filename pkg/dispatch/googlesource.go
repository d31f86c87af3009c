package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/rs/zerolog"
)

// GooglePubsubSourceConfig holds configuration for the Pub/Sub task source.
type GooglePubsubSourceConfig struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// NewGooglePubsubSourceDefaults provides a config with sensible defaults.
func NewGooglePubsubSourceDefaults(subID string) *GooglePubsubSourceConfig {
	return &GooglePubsubSourceConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
}

// GooglePubsubSource implements TaskSource on a Pub/Sub subscription. Each
// delivery carries the subscription's Ack/Nack handles, so a nacked task is
// redelivered by the broker and an unacked task survives a worker crash.
type GooglePubsubSource struct {
	subscription *pubsub.Subscription
	logger       zerolog.Logger
	poison       deadletter.Sink

	outputChan         chan TaskDelivery
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	wg                 sync.WaitGroup
	doneChan           chan struct{}
}

// NewGooglePubsubSource verifies the subscription exists and prepares the
// source. Queue payloads that cannot be reconstructed into tasks are written
// to the poison sink and acked, so a corrupt message cannot wedge the queue.
func NewGooglePubsubSource(ctx context.Context, cfg *GooglePubsubSourceConfig, client *pubsub.Client, poison deadletter.Sink, logger zerolog.Logger) (*GooglePubsubSource, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for source")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil || !exists {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &GooglePubsubSource{
		subscription: sub,
		logger:       logger.With().Str("component", "GooglePubsubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		poison:       poison,
		outputChan:   make(chan TaskDelivery, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

// Messages returns the task delivery channel.
func (s *GooglePubsubSource) Messages() <-chan TaskDelivery { return s.outputChan }

// Start begins pulling tasks from the subscription.
func (s *GooglePubsubSource) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting task consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancelSubscription = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.outputChan)
		defer close(s.doneChan)

		err := s.subscription.Receive(receiveCtx, func(msgCtx context.Context, msg *pubsub.Message) {
			task, err := TaskFromTransport(msg.Data, msg.Attributes)
			if err != nil {
				s.handlePoisonMessage(msgCtx, msg, err)
				return
			}

			delivery := TaskDelivery{
				Task: task,
				Ack:  msg.Ack,
				Nack: msg.Nack,
			}
			select {
			case s.outputChan <- delivery:
			case <-receiveCtx.Done():
				msg.Nack()
				s.logger.Warn().Str("task_id", task.ID).Msg("Source stopping, Nacking task for redelivery.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return nil
}

// handlePoisonMessage dead-letters a queue message that is not a valid task.
// The message is acked afterwards; nacking would only redeliver it forever.
func (s *GooglePubsubSource) handlePoisonMessage(ctx context.Context, msg *pubsub.Message, cause error) {
	s.logger.Error().Err(cause).Str("pubsub_msg_id", msg.ID).Msg("Queue message is not a valid task.")
	if s.poison != nil {
		rec := &deadletter.Record{
			RawPayload: msg.Data,
			Reason:     cause.Error(),
			Attempts:   1,
			FailedAt:   time.Now().UTC(),
		}
		if err := s.poison.Write(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("pubsub_msg_id", msg.ID).Msg("Failed to dead-letter poison message, Nacking for redelivery.")
			msg.Nack()
			return
		}
	}
	msg.Ack()
}

// Stop ceases task delivery and waits for the receive loop to exit.
func (s *GooglePubsubSource) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping task source...")
		if s.cancelSubscription != nil {
			s.cancelSubscription()
		}
		select {
		case <-s.doneChan:
			s.logger.Info().Msg("Receive goroutine confirmed stopped.")
		case <-ctx.Done():
			s.logger.Error().Msg("Timeout waiting for receive goroutine to stop.")
		}
	})
	return nil
}

// Done is closed when the source has fully shut down.
func (s *GooglePubsubSource) Done() <-chan struct{} { return s.doneChan }
