// Package telemetry persists per-bike telemetry readings for analytical
// queries over ride and fleet history.
package telemetry

import (
	"context"
	"time"
)

// Row is one telemetry reading flattened for warehouse storage.
type Row struct {
	BikeID             string    `bigquery:"bike_id" json:"bike_id"`
	Timestamp          time.Time `bigquery:"timestamp" json:"timestamp"`
	SyntheticTimestamp bool      `bigquery:"synthetic_timestamp" json:"synthetic_timestamp"`
	Latitude           float64   `bigquery:"latitude" json:"latitude"`
	Longitude          float64   `bigquery:"longitude" json:"longitude"`
	BatteryLevel       float64   `bigquery:"battery_level" json:"battery_level"`
	SpeedKMH           float64   `bigquery:"speed_kmh" json:"speed_kmh"`
	Source             string    `bigquery:"source" json:"source"`
	IngestedAt         time.Time `bigquery:"ingested_at" json:"ingested_at"`
}

// Store accepts batches of telemetry rows for durable storage.
type Store interface {
	// InsertRows writes a batch of rows. A nil error means every row is durable.
	InsertRows(ctx context.Context, rows []*Row) error
	// Close releases resources owned by the store.
	Close() error
}
