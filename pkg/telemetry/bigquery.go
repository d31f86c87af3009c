package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryStoreConfig holds the dataset and table the store writes into.
type BigQueryStoreConfig struct {
	DatasetID       string
	TableID         string
	CredentialsFile string
}

// NewBigQueryStoreConfigDefaults returns a config with the default dataset
// and table names applied.
func NewBigQueryStoreConfigDefaults() *BigQueryStoreConfig {
	return &BigQueryStoreConfig{
		DatasetID: "bike_ingestion",
		TableID:   "telemetry",
	}
}

// NewBigQueryClient creates a BigQuery client, using a credentials file when
// one is configured and Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created.")
	return client, nil
}

// BigQueryStore streams telemetry rows into a BigQuery table.
type BigQueryStore struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryStore creates a store for the configured table. If the table
// does not exist it is created with a schema inferred from Row, so new
// deployments do not need manual table setup.
func NewBigQueryStore(
	ctx context.Context,
	client *bigquery.Client,
	cfg *BigQueryStoreConfig,
	logger zerolog.Logger,
) (*BigQueryStore, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("BigQueryStoreConfig cannot be nil")
	}

	logger = logger.With().
		Str("component", "BigQueryStore").
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "notFound") {
			logger.Warn().Msg("Telemetry table not found. Creating with inferred schema.")
			inferredSchema, inferErr := bigquery.InferSchema(Row{})
			if inferErr != nil {
				return nil, fmt.Errorf("failed to infer telemetry schema: %w", inferErr)
			}
			if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: inferredSchema}); createErr != nil {
				return nil, fmt.Errorf("failed to create table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
			}
		} else {
			return nil, fmt.Errorf("failed to get table metadata: %w", err)
		}
	}

	return &BigQueryStore{
		client:   client,
		table:    tableRef,
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertRows streams a batch of rows to the table. Row-level failures are
// logged individually before the wrapped error is returned.
func (s *BigQueryStore) InsertRows(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	err := s.inserter.Put(ctx, rows)
	if err != nil {
		s.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("Failed to insert telemetry rows.")
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				s.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("Telemetry insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}

	s.logger.Debug().Int("batch_size", len(rows)).Msg("Telemetry batch inserted.")
	return nil
}

// Close is a no-op; the BigQuery client's lifecycle is managed by the caller.
func (s *BigQueryStore) Close() error {
	return nil
}
