package devices

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryRegistry is a map-backed Registry for tests and local runs.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]BikeRecord
}

// NewInMemoryRegistry creates an empty in-memory registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{records: make(map[string]BikeRecord)}
}

// UpsertStatus stores a copy of the record keyed by bike ID.
func (r *InMemoryRegistry) UpsertStatus(_ context.Context, record *BikeRecord) error {
	if record.BikeID == "" {
		return fmt.Errorf("bike record is missing a bike ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.BikeID] = *record
	return nil
}

// Get returns a copy of the bike's record, or ErrBikeNotFound.
func (r *InMemoryRegistry) Get(_ context.Context, bikeID string) (*BikeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[bikeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBikeNotFound, bikeID)
	}
	return &record, nil
}
