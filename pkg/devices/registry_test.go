package devices_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRegistry_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	registry := devices.NewInMemoryRegistry()

	_, err := registry.Get(ctx, "bike-001")
	require.ErrorIs(t, err, devices.ErrBikeNotFound)

	record := &devices.BikeRecord{
		BikeID:       "bike-001",
		Status:       "available",
		BatteryLevel: 87.5,
		Latitude:     53.3498,
		Longitude:    -6.2603,
		UpdatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, registry.UpsertStatus(ctx, record))

	got, err := registry.Get(ctx, "bike-001")
	require.NoError(t, err)
	assert.Equal(t, "available", got.Status)
	assert.Equal(t, 87.5, got.BatteryLevel)

	// A later upsert replaces the stored status.
	record.Status = "in_use"
	record.UpdatedAt = record.UpdatedAt.Add(time.Minute)
	require.NoError(t, registry.UpsertStatus(ctx, record))

	got, err = registry.Get(ctx, "bike-001")
	require.NoError(t, err)
	assert.Equal(t, "in_use", got.Status)
}

func TestInMemoryRegistry_RejectsEmptyBikeID(t *testing.T) {
	registry := devices.NewInMemoryRegistry()
	err := registry.UpsertStatus(context.Background(), &devices.BikeRecord{Status: "available"})
	require.Error(t, err)
}
