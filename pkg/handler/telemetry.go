package handler

import (
	"context"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/cache"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/illmade-knight/go-bike-ingestion/pkg/telemetry"
	"github.com/rs/zerolog"
)

// TelemetryHandler persists telemetry readings and updates bike presence.
// Deliveries are at-least-once, so a duplicate guard retires repeat
// deliveries of the same logical reading before they are stored twice.
type TelemetryHandler struct {
	store    telemetry.Store
	presence cache.PresenceTracker
	dedup    cache.DuplicateGuard
	logger   zerolog.Logger
}

// NewTelemetryHandler creates the handler. presence and dedup may be nil,
// in which case those steps are skipped.
func NewTelemetryHandler(
	store telemetry.Store,
	presence cache.PresenceTracker,
	dedup cache.DuplicateGuard,
	logger zerolog.Logger,
) *TelemetryHandler {
	return &TelemetryHandler{
		store:    store,
		presence: presence,
		dedup:    dedup,
		logger:   logger.With().Str("component", "TelemetryHandler").Logger(),
	}
}

// Process stores one telemetry reading. Storage failures are transient and
// reported as retries; a reading already processed under the same
// idempotency key is acknowledged without a second write.
func (h *TelemetryHandler) Process(ctx context.Context, env *envelope.Envelope) Outcome {
	if h.dedup != nil {
		already, err := h.dedup.MarkProcessed(ctx, IdempotencyKey(env))
		if err != nil {
			// A cache outage must not block ingestion; at worst a
			// duplicate row is stored.
			h.logger.Warn().Err(err).Str("bike_id", env.BikeID).Msg("Duplicate guard unavailable, continuing.")
		} else if already {
			h.logger.Debug().Str("bike_id", env.BikeID).Msg("Duplicate telemetry reading, acknowledging.")
			return Ack()
		}
	}

	row := &telemetry.Row{
		BikeID:             env.BikeID,
		Timestamp:          time.Unix(env.Timestamp, 0).UTC(),
		SyntheticTimestamp: env.Metadata[envelope.MetadataKeySyntheticTimestamp] == "true",
		Source:             env.Metadata[envelope.MetadataKeySource],
		IngestedAt:         time.Now().UTC(),
	}
	row.Latitude, _ = floatField(env.Data, "latitude")
	row.Longitude, _ = floatField(env.Data, "longitude")
	row.BatteryLevel, _ = floatField(env.Data, "battery_level")
	row.SpeedKMH, _ = floatField(env.Data, "speed_kmh")

	if err := h.store.InsertRows(ctx, []*telemetry.Row{row}); err != nil {
		h.logger.Error().Err(err).Str("bike_id", env.BikeID).Msg("Failed to store telemetry reading.")
		return Retry("telemetry store insert failed: " + err.Error())
	}

	if h.presence != nil {
		if err := h.presence.RecordSeen(ctx, env.BikeID, row.Timestamp); err != nil {
			// Presence is advisory; the reading is already durable.
			h.logger.Warn().Err(err).Str("bike_id", env.BikeID).Msg("Failed to record bike presence.")
		}
	}

	return Ack()
}
