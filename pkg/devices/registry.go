// Package devices maintains the fleet registry: the authoritative record of
// each bike's last reported status, battery, and location.
package devices

import (
	"context"
	"errors"
	"time"
)

// ErrBikeNotFound is returned when a bike has no registry record.
var ErrBikeNotFound = errors.New("bike not found in registry")

// BikeRecord is the registry document for a single bike.
type BikeRecord struct {
	BikeID       string    `firestore:"bike_id" json:"bike_id"`
	Status       string    `firestore:"status" json:"status"`
	BatteryLevel float64   `firestore:"battery_level" json:"battery_level"`
	Latitude     float64   `firestore:"latitude" json:"latitude"`
	Longitude    float64   `firestore:"longitude" json:"longitude"`
	UpdatedAt    time.Time `firestore:"updated_at" json:"updated_at"`
}

// Registry persists bike fleet records.
type Registry interface {
	// UpsertStatus merges the record into the bike's registry entry,
	// creating the entry if it does not exist.
	UpsertStatus(ctx context.Context, record *BikeRecord) error
	// Get returns the registry entry for a bike, or ErrBikeNotFound.
	Get(ctx context.Context, bikeID string) (*BikeRecord, error)
}
