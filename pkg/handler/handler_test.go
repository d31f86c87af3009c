package handler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/cache"
	"github.com/illmade-knight/go-bike-ingestion/pkg/devices"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/illmade-knight/go-bike-ingestion/pkg/handler"
	"github.com/illmade-knight/go-bike-ingestion/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Mocks ---

type mockStore struct {
	rows    []*telemetry.Row
	failErr error
}

func (m *mockStore) InsertRows(_ context.Context, rows []*telemetry.Row) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *mockStore) Close() error { return nil }

type failingStats struct{ err error }

func (f *failingStats) AddRide(context.Context, string, float64, float64) error { return f.err }
func (f *failingStats) Totals(context.Context, string) (float64, float64, error) {
	return 0, 0, f.err
}

func telemetryEnvelope(bikeID string, ts int64) *envelope.Envelope {
	return &envelope.Envelope{
		MessageType: envelope.TypeTelemetry,
		BikeID:      bikeID,
		Timestamp:   ts,
		Data: map[string]any{
			"latitude":      53.3498,
			"longitude":     -6.2603,
			"battery_level": 87.5,
			"speed_kmh":     14.2,
		},
		Metadata: map[string]string{
			envelope.MetadataKeySource:   "mqtt",
			envelope.MetadataKeyPriority: "normal",
		},
	}
}

// --- Tests ---

func TestIdempotencyKey(t *testing.T) {
	env := telemetryEnvelope("bike-001", 1717243200)
	assert.Equal(t, "bike-001:1717243200:telemetry", handler.IdempotencyKey(env))
}

func TestRegistry_ResolveFallsBackToUnknown(t *testing.T) {
	registry := handler.NewRegistry(zerolog.Nop())

	var called bool
	registry.Register(envelope.TypeTelemetry, handler.Func(func(context.Context, *envelope.Envelope) handler.Outcome {
		called = true
		return handler.Ack()
	}))

	// Registered type routes to its handler.
	out := registry.Resolve(envelope.TypeTelemetry).Process(context.Background(), telemetryEnvelope("bike-001", 1))
	assert.True(t, called)
	assert.Equal(t, handler.StatusAck, out.Status)

	// Unregistered type resolves to the unknown handler, which acknowledges.
	h := registry.Resolve(envelope.TypeSport)
	require.NotNil(t, h)
	out = h.Process(context.Background(), telemetryEnvelope("bike-001", 1))
	assert.Equal(t, handler.StatusAck, out.Status)
}

func TestTelemetryHandler_StoresAndRecordsPresence(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	presence := cache.NewInMemoryCache()
	h := handler.NewTelemetryHandler(store, presence, cache.NewInMemoryCache(), zerolog.Nop())

	out := h.Process(ctx, telemetryEnvelope("bike-001", 1717243200))
	require.Equal(t, handler.StatusAck, out.Status)

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, "bike-001", row.BikeID)
	assert.Equal(t, 87.5, row.BatteryLevel)
	assert.True(t, row.Timestamp.Equal(time.Unix(1717243200, 0).UTC()))
	assert.False(t, row.SyntheticTimestamp)

	seenAt, err := presence.LastSeen(ctx, "bike-001")
	require.NoError(t, err)
	assert.True(t, seenAt.Equal(row.Timestamp))
}

func TestTelemetryHandler_DuplicateIsAckedWithoutSecondWrite(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{}
	h := handler.NewTelemetryHandler(store, nil, cache.NewInMemoryCache(), zerolog.Nop())

	env := telemetryEnvelope("bike-001", 1717243200)
	require.Equal(t, handler.StatusAck, h.Process(ctx, env).Status)
	require.Equal(t, handler.StatusAck, h.Process(ctx, env).Status)

	assert.Len(t, store.rows, 1, "redelivery of the same reading must not store a second row")
}

func TestTelemetryHandler_StoreFailureRetries(t *testing.T) {
	store := &mockStore{failErr: errors.New("stream unavailable")}
	h := handler.NewTelemetryHandler(store, nil, nil, zerolog.Nop())

	out := h.Process(context.Background(), telemetryEnvelope("bike-001", 1))
	assert.Equal(t, handler.StatusRetry, out.Status)
	assert.Contains(t, out.Reason, "stream unavailable")
}

func TestFleetHandler_UpsertsRegistry(t *testing.T) {
	ctx := context.Background()
	registry := devices.NewInMemoryRegistry()
	h := handler.NewFleetHandler(registry, zerolog.Nop())

	env := &envelope.Envelope{
		MessageType: envelope.TypeFleet,
		BikeID:      "bike-007",
		Timestamp:   1717243200,
		Data: map[string]any{
			"status":        "maintenance",
			"battery_level": 12.0,
		},
		Metadata: map[string]string{},
	}
	out := h.Process(ctx, env)
	require.Equal(t, handler.StatusAck, out.Status)

	record, err := registry.Get(ctx, "bike-007")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", record.Status)
	assert.Equal(t, 12.0, record.BatteryLevel)
}

func TestFleetHandler_MissingStatusDeadLetters(t *testing.T) {
	h := handler.NewFleetHandler(devices.NewInMemoryRegistry(), zerolog.Nop())

	env := &envelope.Envelope{
		MessageType: envelope.TypeFleet,
		BikeID:      "bike-007",
		Data:        map[string]any{"battery_level": 50.0},
		Metadata:    map[string]string{},
	}
	out := h.Process(context.Background(), env)
	assert.Equal(t, handler.StatusDeadLetter, out.Status)
}

func TestSportHandler_AccumulatesRideTotals(t *testing.T) {
	ctx := context.Background()
	stats := cache.NewInMemoryCache()
	h := handler.NewSportHandler(stats, zerolog.Nop())

	env := &envelope.Envelope{
		MessageType: envelope.TypeSport,
		BikeID:      "bike-003",
		Data: map[string]any{
			"distance_km": 8.4,
			"calories":    210.0,
		},
		Metadata: map[string]string{},
	}
	require.Equal(t, handler.StatusAck, h.Process(ctx, env).Status)
	require.Equal(t, handler.StatusAck, h.Process(ctx, env).Status)

	distance, calories, err := stats.Totals(ctx, "bike-003")
	require.NoError(t, err)
	assert.InDelta(t, 16.8, distance, 0.001)
	assert.InDelta(t, 420.0, calories, 0.001)
}

func TestSportHandler_NoMetricsDeadLetters(t *testing.T) {
	h := handler.NewSportHandler(cache.NewInMemoryCache(), zerolog.Nop())

	env := &envelope.Envelope{
		MessageType: envelope.TypeSport,
		BikeID:      "bike-003",
		Data:        map[string]any{"note": "no numbers here"},
		Metadata:    map[string]string{},
	}
	out := h.Process(context.Background(), env)
	assert.Equal(t, handler.StatusDeadLetter, out.Status)
}

func TestSportHandler_StatsFailureRetries(t *testing.T) {
	h := handler.NewSportHandler(&failingStats{err: errors.New("connection refused")}, zerolog.Nop())

	env := &envelope.Envelope{
		MessageType: envelope.TypeSport,
		BikeID:      "bike-003",
		Data:        map[string]any{"distance_km": 1.0},
		Metadata:    map[string]string{},
	}
	out := h.Process(context.Background(), env)
	assert.Equal(t, handler.StatusRetry, out.Status)
}
