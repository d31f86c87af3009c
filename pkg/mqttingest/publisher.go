package mqttingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
)

// Publish sends a raw payload to a topic at the configured QoS, waiting for
// broker acceptance up to the connect timeout or the context deadline.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.pahoClient == nil {
		return errors.New("client has not been started")
	}

	token := c.pahoClient.Publish(topic, c.cfg.QoS, false, payload)

	wait := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// publishEnvelope builds, encodes, and publishes one typed device message.
func (c *Client) publishEnvelope(ctx context.Context, bikeID string, t envelope.MessageType, data map[string]any) error {
	env := &envelope.Envelope{
		MessageType: t,
		BikeID:      bikeID,
		Timestamp:   time.Now().Unix(),
		Data:        data,
		Metadata: map[string]string{
			envelope.MetadataKeySource:   "mqtt",
			envelope.MetadataKeyPriority: "normal",
		},
	}
	payload, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return c.Publish(ctx, envelope.TopicFor(bikeID, t), payload)
}

// PublishTelemetry publishes a telemetry reading for one bike.
func (c *Client) PublishTelemetry(ctx context.Context, bikeID string, data map[string]any) error {
	return c.publishEnvelope(ctx, bikeID, envelope.TypeTelemetry, data)
}

// PublishFleetStatus publishes a fleet-status update for one bike.
func (c *Client) PublishFleetStatus(ctx context.Context, bikeID string, data map[string]any) error {
	return c.publishEnvelope(ctx, bikeID, envelope.TypeFleet, data)
}

// PublishSportMetrics publishes ride metrics for one bike.
func (c *Client) PublishSportMetrics(ctx context.Context, bikeID string, data map[string]any) error {
	return c.publishEnvelope(ctx, bikeID, envelope.TypeSport, data)
}
