package devices

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreRegistryConfig holds configuration for the Firestore-backed registry.
type FirestoreRegistryConfig struct {
	ProjectID      string
	CollectionName string
}

// NewFirestoreRegistryConfigDefaults returns a config with the default
// collection name applied.
func NewFirestoreRegistryConfigDefaults(projectID string) *FirestoreRegistryConfig {
	return &FirestoreRegistryConfig{
		ProjectID:      projectID,
		CollectionName: "bikes",
	}
}

// FirestoreRegistry stores bike records as documents keyed by bike ID.
type FirestoreRegistry struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreRegistry creates a registry over an injected Firestore client.
// The client's lifecycle is managed by the caller.
func NewFirestoreRegistry(
	cfg *FirestoreRegistryConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}

	return &FirestoreRegistry{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreRegistry").Logger(),
	}, nil
}

// UpsertStatus merges the record into the bike's document. Merge semantics
// keep fields written by other processes intact.
func (r *FirestoreRegistry) UpsertStatus(ctx context.Context, record *BikeRecord) error {
	if record.BikeID == "" {
		return fmt.Errorf("bike record is missing a bike ID")
	}
	docRef := r.client.Collection(r.collectionName).Doc(record.BikeID)
	_, err := docRef.Set(ctx, record, firestore.MergeAll)
	if err != nil {
		r.logger.Error().Err(err).Str("bike_id", record.BikeID).Msg("Failed to upsert bike record.")
		return fmt.Errorf("firestore set for %s: %w", record.BikeID, err)
	}
	r.logger.Debug().Str("bike_id", record.BikeID).Str("status", record.Status).Msg("Bike record upserted.")
	return nil
}

// Get fetches a bike's registry document.
func (r *FirestoreRegistry) Get(ctx context.Context, bikeID string) (*BikeRecord, error) {
	docSnap, err := r.client.Collection(r.collectionName).Doc(bikeID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrBikeNotFound, bikeID)
		}
		r.logger.Error().Err(err).Str("bike_id", bikeID).Msg("Failed to get bike record.")
		return nil, fmt.Errorf("firestore get for %s: %w", bikeID, err)
	}

	var record BikeRecord
	if err := docSnap.DataTo(&record); err != nil {
		return nil, fmt.Errorf("firestore DataTo for %s: %w", bikeID, err)
	}
	return &record, nil
}
