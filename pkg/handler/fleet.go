package handler

import (
	"context"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/devices"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog"
)

// FleetHandler applies fleet status messages to the bike registry.
type FleetHandler struct {
	registry devices.Registry
	logger   zerolog.Logger
}

// NewFleetHandler creates the handler over an injected registry.
func NewFleetHandler(registry devices.Registry, logger zerolog.Logger) *FleetHandler {
	return &FleetHandler{
		registry: registry,
		logger:   logger.With().Str("component", "FleetHandler").Logger(),
	}
}

// Process upserts the bike's registry record from the message. A fleet
// message without a status field is permanently invalid and dead-lettered;
// registry write failures are transient and retried.
func (h *FleetHandler) Process(ctx context.Context, env *envelope.Envelope) Outcome {
	status, ok := stringField(env.Data, "status")
	if !ok || status == "" {
		return DeadLetter("fleet message missing status field")
	}

	record := &devices.BikeRecord{
		BikeID:    env.BikeID,
		Status:    status,
		UpdatedAt: time.Unix(env.Timestamp, 0).UTC(),
	}
	record.BatteryLevel, _ = floatField(env.Data, "battery_level")
	record.Latitude, _ = floatField(env.Data, "latitude")
	record.Longitude, _ = floatField(env.Data, "longitude")

	if err := h.registry.UpsertStatus(ctx, record); err != nil {
		h.logger.Error().Err(err).Str("bike_id", env.BikeID).Msg("Failed to update bike registry.")
		return Retry("registry upsert failed: " + err.Error())
	}

	h.logger.Debug().Str("bike_id", env.BikeID).Str("status", status).Msg("Bike registry updated.")
	return Ack()
}
