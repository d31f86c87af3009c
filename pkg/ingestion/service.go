// Package ingestion composes the broker client, router, dispatch queue, and
// worker pool into one runnable service with an HTTP health surface.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
	"github.com/illmade-knight/go-bike-ingestion/pkg/handler"
	"github.com/illmade-knight/go-bike-ingestion/pkg/mqttingest"
	"github.com/illmade-knight/go-bike-ingestion/pkg/router"
	"github.com/illmade-knight/go-bike-ingestion/pkg/worker"
	"github.com/rs/zerolog"
)

// ServiceConfig holds the service-level settings; the component configs are
// carried alongside so one struct can boot the whole pipeline.
type ServiceConfig struct {
	// HTTPPort is the listen address for the health endpoints, e.g. ":8080".
	HTTPPort string
	// DrainTimeout bounds how long shutdown waits for in-flight tasks.
	DrainTimeout time.Duration

	Broker mqttingest.ClientConfig
	Router router.Config
	Pool   worker.PoolConfig
}

func (cfg ServiceConfig) withDefaults() ServiceConfig {
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8080"
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return cfg
}

// Service owns the lifecycle of the ingestion pipeline. Start brings the
// consumers up before the broker connection so no accepted message waits
// without executors; Shutdown reverses the order so intake stops first.
type Service struct {
	cfg      ServiceConfig
	broker   *mqttingest.Client
	pool     *worker.Pool
	logger   zerolog.Logger
	queueRef dispatch.TaskQueue

	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewService wires the pipeline together. queue must implement both the
// enqueue side and, via source, the delivery side of the same physical queue.
func NewService(
	cfg ServiceConfig,
	queue dispatch.TaskQueue,
	source dispatch.TaskSource,
	registry *handler.Registry,
	sink deadletter.Sink,
	logger zerolog.Logger,
) (*Service, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "IngestionService").Logger()

	rtr, err := router.NewRouter(cfg.Router, queue, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	broker, err := mqttingest.NewClient(&cfg.Broker, rtr.Route, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker client: %w", err)
	}

	pool, err := worker.NewPool(cfg.Pool, source, queue, registry, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	svc := &Service{
		cfg:      cfg,
		broker:   broker,
		pool:     pool,
		logger:   log,
		queueRef: queue,
		mux:      http.NewServeMux(),
	}
	svc.mux.HandleFunc("/healthz", svc.healthzHandler)
	svc.mux.HandleFunc("/readyz", svc.readyzHandler)
	svc.httpServer = &http.Server{Addr: cfg.HTTPPort, Handler: svc.mux}
	return svc, nil
}

// Start brings up the worker pool, the broker connection, and the HTTP
// server, in that order.
func (s *Service) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if err := s.broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker client: %w", err)
	}

	listener, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPPort, err)
	}
	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Health server listening.")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Health server failed.")
		}
	}()
	return nil
}

// Shutdown stops intake first, then drains in-flight tasks up to the drain
// timeout, then stops the health server. Undrained tasks stay unacknowledged
// at the queue and are redelivered on the next run.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down ingestion service...")
	s.broker.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	undrained, err := s.pool.Stop(drainCtx)
	if err != nil {
		s.logger.Warn().Err(err).Int("undrained_tasks", undrained).Msg("Worker pool did not drain fully.")
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during health server shutdown.")
		return err
	}
	s.logger.Info().Msg("Ingestion service stopped.")
	return nil
}

// HTTPAddr returns the address the health server is actually listening on.
func (s *Service) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// BrokerState exposes the broker connection state for operators and tests.
func (s *Service) BrokerState() mqttingest.ConnectionState {
	return s.broker.State()
}

// healthzHandler reports process liveness.
func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyzHandler reports broker connectivity. Degraded and disconnected
// states return 503 so load balancers stop routing publishes here.
func (s *Service) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	state := s.broker.State()
	body := map[string]string{"broker_state": state.String()}

	w.Header().Set("Content-Type", "application/json")
	if state == mqttingest.StateConnected {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
