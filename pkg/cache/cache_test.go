package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCache_Presence(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemoryCache()

	// A bike that has never reported should return ErrNotSeen.
	_, err := c.LastSeen(ctx, "bike-404")
	require.ErrorIs(t, err, cache.ErrNotSeen)

	seenAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.RecordSeen(ctx, "bike-001", seenAt))

	got, err := c.LastSeen(ctx, "bike-001")
	require.NoError(t, err)
	assert.True(t, got.Equal(seenAt))

	// A later report overwrites the earlier one.
	later := seenAt.Add(5 * time.Minute)
	require.NoError(t, c.RecordSeen(ctx, "bike-001", later))

	got, err = c.LastSeen(ctx, "bike-001")
	require.NoError(t, err)
	assert.True(t, got.Equal(later))
}

func TestInMemoryCache_DuplicateGuard(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemoryCache()

	already, err := c.MarkProcessed(ctx, "bike-001:1717243200:telemetry")
	require.NoError(t, err)
	assert.False(t, already, "first sighting of a key should not be a duplicate")

	already, err = c.MarkProcessed(ctx, "bike-001:1717243200:telemetry")
	require.NoError(t, err)
	assert.True(t, already, "second sighting of the same key should be a duplicate")

	already, err = c.MarkProcessed(ctx, "bike-002:1717243200:telemetry")
	require.NoError(t, err)
	assert.False(t, already, "a different key should not be a duplicate")
}

func TestInMemoryCache_RideStats(t *testing.T) {
	ctx := context.Background()
	c := cache.NewInMemoryCache()

	// Totals for an unknown bike are zero, not an error.
	distance, calories, err := c.Totals(ctx, "bike-001")
	require.NoError(t, err)
	assert.Zero(t, distance)
	assert.Zero(t, calories)

	require.NoError(t, c.AddRide(ctx, "bike-001", 12.5, 340))
	require.NoError(t, c.AddRide(ctx, "bike-001", 7.5, 160))
	require.NoError(t, c.AddRide(ctx, "bike-002", 3.0, 80))

	distance, calories, err = c.Totals(ctx, "bike-001")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, distance, 0.001)
	assert.InDelta(t, 500.0, calories, 0.001)

	distance, calories, err = c.Totals(ctx, "bike-002")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, distance, 0.001)
	assert.InDelta(t, 80.0, calories, 0.001)
}
