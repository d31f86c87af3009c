// The ingestion service consumes bike messages from the MQTT broker, routes
// them onto the dispatch queue, and runs the worker pool that applies each
// message type's handler.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/go-bike-ingestion/pkg/cache"
	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/devices"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/illmade-knight/go-bike-ingestion/pkg/handler"
	"github.com/illmade-knight/go-bike-ingestion/pkg/ingestion"
	"github.com/illmade-knight/go-bike-ingestion/pkg/mqttingest"
	"github.com/illmade-knight/go-bike-ingestion/pkg/telemetry"
)

const (
	envProjectID        = "GCP_PROJECT_ID"
	envDispatchSubID    = "DISPATCH_SUBSCRIPTION_ID"
	envDeadLetterTopic  = "DEAD_LETTER_TOPIC_ID"
	envDeadLetterBucket = "DEAD_LETTER_BUCKET"
	envRedisAddr        = "REDIS_ADDR"
	envHTTPPort         = "HTTP_PORT"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "bike-ingestion").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectID := os.Getenv(envProjectID)
	if projectID == "" {
		logger.Fatal().Msgf("%s must be set", envProjectID)
	}

	psClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client.")
	}
	defer psClient.Close()

	// Dead-letter records go to a dedicated topic; when a bucket is
	// configured they are archived to GCS as well.
	dlTopicID := os.Getenv(envDeadLetterTopic)
	if dlTopicID == "" {
		dlTopicID = "iot_dead_letter"
	}
	pubsubSink, err := deadletter.NewPubsubSink(ctx, deadletter.NewPubsubSinkDefaults(dlTopicID), psClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create dead-letter sink.")
	}
	defer pubsubSink.Stop()

	sink := deadletter.Sink(pubsubSink)
	if bucket := os.Getenv(envDeadLetterBucket); bucket != "" {
		gcsClient, gcsErr := storage.NewClient(ctx)
		if gcsErr != nil {
			logger.Fatal().Err(gcsErr).Msg("Failed to create GCS client.")
		}
		defer gcsClient.Close()

		archiver, archErr := deadletter.NewGCSArchiver(
			deadletter.NewGCSClientAdapter(gcsClient),
			deadletter.GCSArchiverConfig{BucketName: bucket, ObjectPrefix: "dead-letter"},
			logger,
		)
		if archErr != nil {
			logger.Fatal().Err(archErr).Msg("Failed to create dead-letter archiver.")
		}
		sink = deadletter.Fanout{pubsubSink, archiver}
	}

	queue, err := dispatch.NewGooglePubsubQueue(ctx, dispatch.NewGooglePubsubQueueDefaults(), psClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create dispatch queue.")
	}
	defer queue.Stop()

	subID := os.Getenv(envDispatchSubID)
	if subID == "" {
		subID = dispatch.DefaultQueueName + "_sub"
	}
	source, err := dispatch.NewGooglePubsubSource(ctx, dispatch.NewGooglePubsubSourceDefaults(subID), psClient, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create dispatch source.")
	}

	// Handler dependencies.
	bqClient, err := telemetry.NewBigQueryClient(ctx, projectID, "", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create BigQuery client.")
	}
	defer bqClient.Close()
	store, err := telemetry.NewBigQueryStore(ctx, bqClient, telemetry.NewBigQueryStoreConfigDefaults(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create telemetry store.")
	}

	fsClient, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Firestore client.")
	}
	defer fsClient.Close()
	registry, err := devices.NewFirestoreRegistry(devices.NewFirestoreRegistryConfigDefaults(projectID), fsClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bike registry.")
	}

	var presence cache.PresenceTracker
	var dedup cache.DuplicateGuard
	var rideStats cache.RideStats
	if redisAddr := os.Getenv(envRedisAddr); redisAddr != "" {
		redisCache, redisErr := cache.NewRedisCache(ctx, &cache.RedisConfig{
			Addr:        redisAddr,
			PresenceTTL: 24 * time.Hour,
			DedupTTL:    time.Hour,
		}, logger)
		if redisErr != nil {
			logger.Fatal().Err(redisErr).Msg("Failed to connect to Redis.")
		}
		defer redisCache.Close()
		presence, dedup, rideStats = redisCache, redisCache, redisCache
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-process cache.")
		memCache := cache.NewInMemoryCache()
		presence, dedup, rideStats = memCache, memCache, memCache
	}

	handlers := handler.NewRegistry(logger)
	handlers.Register(envelope.TypeTelemetry, handler.NewTelemetryHandler(store, presence, dedup, logger))
	handlers.Register(envelope.TypeFleet, handler.NewFleetHandler(registry, logger))
	handlers.Register(envelope.TypeSport, handler.NewSportHandler(rideStats, logger))

	svcCfg := ingestion.ServiceConfig{
		HTTPPort: os.Getenv(envHTTPPort),
		Broker:   *mqttingest.LoadClientConfigWithEnv(),
	}
	service, err := ingestion.NewService(svcCfg, queue, source, handlers, sink, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble ingestion service.")
	}

	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start ingestion service.")
	}
	logger.Info().Msg("Ingestion service running.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
	defer shutdownCancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors.")
	}
}
