package handler

import (
	"context"

	"github.com/illmade-knight/go-bike-ingestion/pkg/cache"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog"
)

// SportHandler accumulates per-ride activity metrics into running totals.
type SportHandler struct {
	stats  cache.RideStats
	logger zerolog.Logger
}

// NewSportHandler creates the handler over an injected stats store.
func NewSportHandler(stats cache.RideStats, logger zerolog.Logger) *SportHandler {
	return &SportHandler{
		stats:  stats,
		logger: logger.With().Str("component", "SportHandler").Logger(),
	}
}

// Process adds the ride's distance and calories to the bike's totals. A
// sport message carrying neither metric is permanently invalid; stats store
// failures are transient and retried.
func (h *SportHandler) Process(ctx context.Context, env *envelope.Envelope) Outcome {
	distance, hasDistance := floatField(env.Data, "distance_km")
	calories, hasCalories := floatField(env.Data, "calories")
	if !hasDistance && !hasCalories {
		return DeadLetter("sport message carries no ride metrics")
	}

	if err := h.stats.AddRide(ctx, env.BikeID, distance, calories); err != nil {
		h.logger.Error().Err(err).Str("bike_id", env.BikeID).Msg("Failed to update ride stats.")
		return Retry("ride stats update failed: " + err.Error())
	}

	h.logger.Debug().
		Str("bike_id", env.BikeID).
		Float64("distance_km", distance).
		Float64("calories", calories).
		Msg("Ride stats updated.")
	return Ack()
}
