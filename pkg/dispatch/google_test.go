package dispatch_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
)

const testProjectID = "test-project"

// newTestPubsub brings up an in-process Pub/Sub emulator with one topic and
// one subscription, returning a connected client.
func newTestPubsub(t *testing.T, topicID, subID string) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, testProjectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	return client
}

func TestGooglePubsubQueue_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subID := dispatch.DefaultQueueName + "_sub"
	client := newTestPubsub(t, dispatch.DefaultQueueName, subID)

	queue, err := dispatch.NewGooglePubsubQueue(ctx, dispatch.NewGooglePubsubQueueDefaults(), client, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(queue.Stop)

	source, err := dispatch.NewGooglePubsubSource(ctx, dispatch.NewGooglePubsubSourceDefaults(subID), client, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, source.Start(ctx))
	t.Cleanup(func() { _ = source.Stop(context.Background()) })

	task := dispatch.NewTask(testEnvelope("bike-042"))
	require.NoError(t, queue.Enqueue(ctx, task))

	select {
	case delivery := <-source.Messages():
		assert.Equal(t, task.ID, delivery.Task.ID)
		assert.Equal(t, "bike-042", delivery.Task.Envelope.BikeID)
		assert.Equal(t, 1, delivery.Task.Attempt)
		delivery.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for task delivery")
	}
}

func TestGooglePubsubQueue_MissingTopicFails(t *testing.T) {
	ctx := context.Background()
	client := newTestPubsub(t, "some-other-topic", "some-other-sub")

	cfg := dispatch.NewGooglePubsubQueueDefaults()
	cfg.TopicID = "absent-topic"
	_, err := dispatch.NewGooglePubsubQueue(ctx, cfg, client, zerolog.Nop())
	require.Error(t, err)
}

func TestGooglePubsubSource_PoisonMessageIsDeadLettered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subID := dispatch.DefaultQueueName + "_sub"
	client := newTestPubsub(t, dispatch.DefaultQueueName, subID)

	poisoned := make(chan *deadletter.Record, 1)
	sink := sinkFunc(func(_ context.Context, rec *deadletter.Record) error {
		poisoned <- rec
		return nil
	})

	source, err := dispatch.NewGooglePubsubSource(ctx, dispatch.NewGooglePubsubSourceDefaults(subID), client, sink, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, source.Start(ctx))
	t.Cleanup(func() { _ = source.Stop(context.Background()) })

	// Publish raw bytes that are not a task envelope.
	topic := client.Topic(dispatch.DefaultQueueName)
	t.Cleanup(topic.Stop)
	res := topic.Publish(ctx, &pubsub.Message{Data: []byte("not json")})
	_, err = res.Get(ctx)
	require.NoError(t, err)

	select {
	case rec := <-poisoned:
		assert.Equal(t, []byte("not json"), rec.RawPayload)
		assert.NotEmpty(t, rec.Reason)
	case <-ctx.Done():
		t.Fatal("timed out waiting for poison record")
	}

	// The poison message must not surface as a task delivery.
	select {
	case delivery := <-source.Messages():
		t.Fatalf("unexpected task delivery: %+v", delivery.Task)
	case <-time.After(500 * time.Millisecond):
	}
}

// sinkFunc adapts a function to the deadletter.Sink interface.
type sinkFunc func(ctx context.Context, rec *deadletter.Record) error

func (f sinkFunc) Write(ctx context.Context, rec *deadletter.Record) error { return f(ctx, rec) }
