package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache implements PresenceTracker, DuplicateGuard, and RideStats
// with process-local maps. TTLs are not enforced; entries live for the
// process lifetime, which is sufficient for tests and local development.
type InMemoryCache struct {
	mu        sync.RWMutex
	presence  map[string]time.Time
	processed map[string]struct{}
	distance  map[string]float64
	calories  map[string]float64
}

// NewInMemoryCache creates an empty in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		presence:  make(map[string]time.Time),
		processed: make(map[string]struct{}),
		distance:  make(map[string]float64),
		calories:  make(map[string]float64),
	}
}

// RecordSeen stores the most recent report time for a bike.
func (c *InMemoryCache) RecordSeen(_ context.Context, bikeID string, seenAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[bikeID] = seenAt
	return nil
}

// LastSeen returns the most recent report time, or ErrNotSeen.
func (c *InMemoryCache) LastSeen(_ context.Context, bikeID string) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seenAt, ok := c.presence[bikeID]
	if !ok {
		return time.Time{}, ErrNotSeen
	}
	return seenAt, nil
}

// MarkProcessed records the key and reports whether it was already present.
func (c *InMemoryCache) MarkProcessed(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.processed[key]; ok {
		return true, nil
	}
	c.processed[key] = struct{}{}
	return false, nil
}

// AddRide adds one ride's counters to the bike's totals.
func (c *InMemoryCache) AddRide(_ context.Context, bikeID string, distanceKM, calories float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distance[bikeID] += distanceKM
	c.calories[bikeID] += calories
	return nil
}

// Totals returns the accumulated distance and calories for a bike.
func (c *InMemoryCache) Totals(_ context.Context, bikeID string) (float64, float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.distance[bikeID], c.calories[bikeID], nil
}
