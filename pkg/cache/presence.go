// Package cache provides the fast-lookup layer handlers use for device
// presence, duplicate suppression, and ride counters. Redis backs it in
// production; an in-memory implementation serves tests and local runs.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotSeen is returned by LastSeen for devices with no recorded presence.
var ErrNotSeen = errors.New("device has not been seen")

// PresenceTracker records when each device last reported.
type PresenceTracker interface {
	// RecordSeen stores the most recent report time for a bike.
	RecordSeen(ctx context.Context, bikeID string, seenAt time.Time) error
	// LastSeen returns the most recent report time, or ErrNotSeen.
	LastSeen(ctx context.Context, bikeID string) (time.Time, error)
}

// DuplicateGuard suppresses reprocessing of redelivered events. Delivery is
// at-least-once, so handlers mark each idempotency key and skip side effects
// for keys already seen.
type DuplicateGuard interface {
	// MarkProcessed records the key and reports whether it was already present.
	MarkProcessed(ctx context.Context, key string) (alreadyProcessed bool, err error)
}

// RideStats accumulates per-bike sport counters.
type RideStats interface {
	// AddRide adds one ride's distance and calories to the bike's totals.
	AddRide(ctx context.Context, bikeID string, distanceKM, calories float64) error
	// Totals returns the accumulated distance and calories for a bike.
	Totals(ctx context.Context, bikeID string) (distanceKM, calories float64, err error)
}
