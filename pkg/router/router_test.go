package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/illmade-knight/go-bike-ingestion/pkg/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Mocks ---

type mockQueue struct {
	tasks     []*dispatch.Task
	failTimes int
	calls     int
}

func (m *mockQueue) Enqueue(_ context.Context, task *dispatch.Task) error {
	m.calls++
	if m.calls <= m.failTimes {
		return dispatch.ErrQueueUnavailable
	}
	m.tasks = append(m.tasks, task)
	return nil
}

type mockSink struct {
	records []*deadletter.Record
	err     error
}

func (m *mockSink) Write(_ context.Context, rec *deadletter.Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func fastConfig() router.Config {
	return router.Config{
		EnqueueMaxRetries:     2,
		EnqueueInitialBackoff: time.Millisecond,
		EnqueueMaxBackoff:     5 * time.Millisecond,
	}
}

// --- Tests ---

func TestRouter_RoutesValidMessage(t *testing.T) {
	queue := &mockQueue{}
	sink := &mockSink{}
	r, err := router.NewRouter(fastConfig(), queue, sink, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"telemetry","bike_id":"bike-001","timestamp":1717243200,"data":{"battery_level":80}}`)
	err = r.Route(context.Background(), "bike/bike-001/telemetry", payload, time.Now())
	require.NoError(t, err)

	require.Len(t, queue.tasks, 1)
	task := queue.tasks[0]
	assert.Equal(t, envelope.TypeTelemetry, task.Envelope.MessageType)
	assert.Equal(t, "bike-001", task.Envelope.BikeID)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, dispatch.DefaultQueueName, task.Queue)
	assert.Empty(t, sink.records)
}

func TestRouter_UnknownTypeIsRoutedNotRejected(t *testing.T) {
	queue := &mockQueue{}
	r, err := router.NewRouter(fastConfig(), queue, &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"diagnostics","bike_id":"bike-001","timestamp":1717243200}`)
	require.NoError(t, r.Route(context.Background(), "bike/bike-001/telemetry", payload, time.Now()))

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, envelope.TypeUnknown, queue.tasks[0].Envelope.MessageType)
}

func TestRouter_UndecodableMessageIsDeadLettered(t *testing.T) {
	queue := &mockQueue{}
	sink := &mockSink{}
	r, err := router.NewRouter(fastConfig(), queue, sink, zerolog.Nop())
	require.NoError(t, err)

	// Dead-lettering counts as durable acceptance, so Route reports success.
	err = r.Route(context.Background(), "bike/bike-001/telemetry", []byte("not json"), time.Now())
	require.NoError(t, err)

	assert.Empty(t, queue.tasks)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "bike/bike-001/telemetry", sink.records[0].Topic)
	assert.Equal(t, []byte("not json"), sink.records[0].RawPayload)
}

func TestRouter_MissingBikeIDIsDeadLettered(t *testing.T) {
	sink := &mockSink{}
	r, err := router.NewRouter(fastConfig(), &mockQueue{}, sink, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"telemetry","timestamp":1717243200}`)
	require.NoError(t, r.Route(context.Background(), "bike/bike-001/telemetry", payload, time.Now()))

	require.Len(t, sink.records, 1)
	assert.Contains(t, sink.records[0].Reason, "bike_id")
}

func TestRouter_DeadLetterFailureKeepsMessageUnacked(t *testing.T) {
	sink := &mockSink{err: errors.New("sink offline")}
	r, err := router.NewRouter(fastConfig(), &mockQueue{}, sink, zerolog.Nop())
	require.NoError(t, err)

	// Neither the queue nor the sink accepted the message, so Route must
	// report failure to keep the broker delivery alive.
	err = r.Route(context.Background(), "bike/bike-001/telemetry", []byte("not json"), time.Now())
	require.Error(t, err)
}

func TestRouter_EnqueueRetriesThenSucceeds(t *testing.T) {
	queue := &mockQueue{failTimes: 2}
	r, err := router.NewRouter(fastConfig(), queue, &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"sport","bike_id":"bike-001","timestamp":1717243200}`)
	require.NoError(t, r.Route(context.Background(), "bike/bike-001/sport", payload, time.Now()))

	assert.Equal(t, 3, queue.calls)
	assert.Len(t, queue.tasks, 1)
}

func TestRouter_EnqueueExhaustionReturnsError(t *testing.T) {
	queue := &mockQueue{failTimes: 100}
	r, err := router.NewRouter(fastConfig(), queue, &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"fleet","bike_id":"bike-001","timestamp":1717243200}`)
	err = r.Route(context.Background(), "bike/bike-001/fleet", payload, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrQueueUnavailable)
	assert.Empty(t, queue.tasks)
}

func TestRouter_PayloadBikeIDWinsOverTopic(t *testing.T) {
	queue := &mockQueue{}
	r, err := router.NewRouter(fastConfig(), queue, &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	payload := []byte(`{"message_type":"telemetry","bike_id":"bike-real","timestamp":1717243200}`)
	require.NoError(t, r.Route(context.Background(), "bike/bike-other/telemetry", payload, time.Now()))

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, "bike-real", queue.tasks[0].Envelope.BikeID)
}

func TestRouter_MissingTimestampIsSynthesized(t *testing.T) {
	queue := &mockQueue{}
	r, err := router.NewRouter(fastConfig(), queue, &mockSink{}, zerolog.Nop())
	require.NoError(t, err)

	receivedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"message_type":"telemetry","bike_id":"bike-001"}`)
	require.NoError(t, r.Route(context.Background(), "bike/bike-001/telemetry", payload, receivedAt))

	require.Len(t, queue.tasks, 1)
	env := queue.tasks[0].Envelope
	assert.Equal(t, receivedAt.Unix(), env.Timestamp)
	assert.Equal(t, "true", env.Metadata[envelope.MetadataKeySyntheticTimestamp])
}
