package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// The GCS client is abstracted behind small interfaces so the archiver can be
// unit tested without a real bucket.

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

type gcsClientAdapter struct{ client *storage.Client }

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketAdapter struct{ handle *storage.BucketHandle }

func (a *gcsBucketAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectAdapter{handle: a.handle.Object(name)}
}

type gcsObjectAdapter struct{ handle *storage.ObjectHandle }

func (a *gcsObjectAdapter) NewWriter(ctx context.Context) io.WriteCloser {
	return a.handle.NewWriter(ctx)
}

// NewGCSClientAdapter makes a concrete *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

// GCSArchiverConfig holds configuration for the archival sink.
type GCSArchiverConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSArchiver writes each dead-letter record as a compressed JSON object,
// keyed by failure date, so operators can inspect and replay failures long
// after any queue retention window has passed.
type GCSArchiver struct {
	client GCSClient
	config GCSArchiverConfig
	logger zerolog.Logger
}

// NewGCSArchiver creates an archival sink backed by Google Cloud Storage.
func NewGCSArchiver(client GCSClient, cfg GCSArchiverConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiver{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "DeadLetterGCSArchiver").Logger(),
	}, nil
}

// Write streams one record to a new object under prefix/YYYY/MM/DD/.
func (a *GCSArchiver) Write(ctx context.Context, rec *Record) error {
	ts := rec.FailedAt
	dateKey := fmt.Sprintf("%d/%02d/%02d", ts.Year(), ts.Month(), ts.Day())
	objectName := path.Join(a.config.ObjectPrefix, dateKey, fmt.Sprintf("%s.json.gz", uuid.NewString()))

	writer := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx)
	gz := gzip.NewWriter(writer)

	encodeErr := json.NewEncoder(gz).Encode(rec)
	gzCloseErr := gz.Close()
	closeErr := writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("json encoding failed for %s: %w", objectName, encodeErr)
	}
	if gzCloseErr != nil {
		return fmt.Errorf("failed to finalize gzip stream for %s: %w", objectName, gzCloseErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Info().Str("object_name", objectName).Str("task_id", rec.TaskID).Msg("Archived dead-letter record.")
	return nil
}
