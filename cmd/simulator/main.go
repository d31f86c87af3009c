// The simulator publishes synthetic bike traffic to the MQTT broker so the
// ingestion pipeline can be exercised without real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/go-bike-ingestion/pkg/mqttingest"
)

func main() {
	numBikes := flag.Int("bikes", 5, "number of simulated bikes")
	interval := flag.Duration("interval", 2*time.Second, "delay between telemetry reports per bike")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "bike-simulator").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := mqttingest.LoadClientConfigWithEnv()
	cfg.ClientID = fmt.Sprintf("bike-simulator-%d", os.Getpid())
	// The simulator only publishes; it holds one idle control subscription
	// because the client always maintains at least one.
	cfg.Topics = []string{"simulator/control"}

	client, err := mqttingest.NewClient(cfg, func(context.Context, string, []byte, time.Time) error {
		return nil
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create MQTT client.")
	}
	if err := client.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start MQTT client.")
	}
	defer client.Stop()

	for i := 0; i < *numBikes; i++ {
		bikeID := fmt.Sprintf("bike-%03d", i+1)
		go simulateBike(ctx, client, bikeID, *interval, logger)
	}
	logger.Info().Int("bikes", *numBikes).Msg("Simulator running.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Simulator stopping.")
}

// simulateBike walks one bike around Dublin, reporting telemetry on every
// tick, a fleet status change occasionally, and ride metrics when a ride ends.
func simulateBike(ctx context.Context, client *mqttingest.Client, bikeID string, interval time.Duration, logger zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	lat := 53.3498 + rng.Float64()*0.05
	lon := -6.2603 + rng.Float64()*0.05
	battery := 60 + rng.Float64()*40
	rideDistance := 0.0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		speed := rng.Float64() * 25
		lat += (rng.Float64() - 0.5) * 0.001
		lon += (rng.Float64() - 0.5) * 0.001
		battery -= rng.Float64() * 0.2
		rideDistance += speed * interval.Hours()

		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.PublishTelemetry(pubCtx, bikeID, map[string]any{
			"latitude":      lat,
			"longitude":     lon,
			"battery_level": battery,
			"speed_kmh":     speed,
		})
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("bike_id", bikeID).Msg("Telemetry publish failed.")
		}

		// Roughly one in twenty ticks, finish a ride and report its metrics.
		if rng.Intn(20) == 0 && rideDistance > 0 {
			pubCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
			err = client.PublishSportMetrics(pubCtx, bikeID, map[string]any{
				"distance_km": rideDistance,
				"calories":    rideDistance * 25,
			})
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("bike_id", bikeID).Msg("Sport publish failed.")
			}
			rideDistance = 0
		}

		// Occasionally flip fleet status; low battery forces maintenance.
		if battery < 10 || rng.Intn(30) == 0 {
			status := "available"
			if battery < 10 {
				status = "maintenance"
				battery = 100
			}
			pubCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
			err = client.PublishFleetStatus(pubCtx, bikeID, map[string]any{
				"status":        status,
				"battery_level": battery,
				"latitude":      lat,
				"longitude":     lon,
			})
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("bike_id", bikeID).Msg("Fleet publish failed.")
			}
		}
	}
}
