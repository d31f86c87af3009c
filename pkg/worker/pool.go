// Package worker provides the pool of concurrent executors that drain the
// dispatch queue and invoke the type handler matching each task.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/deadletter"
	"github.com/illmade-knight/go-bike-ingestion/pkg/dispatch"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/illmade-knight/go-bike-ingestion/pkg/handler"
	"github.com/rs/zerolog"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// NumWorkers is the number of independent executors.
	NumWorkers int
	// MaxAttempts bounds delivery attempts per task; exceeding it moves the
	// task to the dead-letter sink with its last failure reason.
	MaxAttempts int
	// RetryInitialBackoff is the delay before the second attempt.
	RetryInitialBackoff time.Duration
	// RetryMaxBackoff caps the exponential growth of retry delays.
	RetryMaxBackoff time.Duration
	// HandlerTimeout bounds a single handler invocation. A handler that
	// overruns it is treated as a retryable failure.
	HandlerTimeout time.Duration
}

func (cfg PoolConfig) withDefaults() PoolConfig {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitialBackoff <= 0 {
		cfg.RetryInitialBackoff = time.Second
	}
	if cfg.RetryMaxBackoff <= 0 {
		cfg.RetryMaxBackoff = 30 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return cfg
}

// Pool pulls tasks from the dispatch queue and dispatches each to the
// handler registered for its message type. Each executor operates on an
// independently pulled task, so one slow handler cannot starve the others.
type Pool struct {
	cfg      PoolConfig
	source   dispatch.TaskSource
	queue    dispatch.TaskQueue
	registry *handler.Registry
	sink     deadletter.Sink
	logger   zerolog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// NewPool creates a worker pool. The queue is used to re-enqueue tasks for
// their next attempt; the sink receives tasks that exhausted their attempts.
func NewPool(
	cfg PoolConfig,
	source dispatch.TaskSource,
	queue dispatch.TaskQueue,
	registry *handler.Registry,
	sink deadletter.Sink,
	logger zerolog.Logger,
) (*Pool, error) {
	if source == nil {
		return nil, fmt.Errorf("task source cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("task queue cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("dead-letter sink cannot be nil")
	}
	return &Pool{
		cfg:      cfg.withDefaults(),
		source:   source,
		queue:    queue,
		registry: registry,
		sink:     sink,
		logger:   logger.With().Str("component", "WorkerPool").Logger(),
	}, nil
}

// Start launches the source and the executors.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task source: %w", err)
	}

	p.logger.Info().Int("worker_count", p.cfg.NumWorkers).Msg("Starting executors...")
	p.wg.Add(p.cfg.NumWorkers)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		go p.worker(ctx, i)
	}
	return nil
}

// Stop shuts the pool down in order: the source stops delivering first, then
// in-flight tasks drain up to the context deadline. Undrained tasks remain
// unacknowledged at the queue and are redelivered after restart; their count
// is returned so the caller can report them.
func (p *Pool) Stop(ctx context.Context) (int, error) {
	p.logger.Info().Msg("Stopping worker pool...")
	if err := p.source.Stop(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Error during source stop, continuing shutdown.")
	}

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		p.logger.Info().Msg("All executors completed gracefully.")
		return 0, nil
	case <-ctx.Done():
		undrained := int(p.inFlight.Load())
		p.logger.Error().Int("undrained_tasks", undrained).Msg("Timeout draining executors; unacked tasks will be redelivered.")
		return undrained, ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker_id", workerID).Logger()
	log.Debug().Msg("Executor started.")
	for delivery := range p.source.Messages() {
		p.inFlight.Add(1)
		p.processDelivery(ctx, delivery, log)
		p.inFlight.Add(-1)
	}
	log.Debug().Msg("Source channel closed, executor exiting.")
}

func (p *Pool) processDelivery(ctx context.Context, delivery dispatch.TaskDelivery, log zerolog.Logger) {
	task := delivery.Task
	log = log.With().
		Str("task_id", task.ID).
		Str("bike_id", task.Envelope.BikeID).
		Str("message_type", string(task.Envelope.MessageType)).
		Int("attempt", task.Attempt).
		Logger()

	h := p.registry.Resolve(task.Envelope.MessageType)
	outcome := p.invokeHandler(ctx, h, task)

	switch outcome.Status {
	case handler.StatusAck:
		log.Debug().Msg("Task processed successfully.")
		delivery.Ack()

	case handler.StatusDeadLetter:
		p.deadLetter(ctx, delivery, outcome.Reason, log)

	case handler.StatusRetry:
		if task.Attempt >= p.cfg.MaxAttempts {
			reason := fmt.Sprintf("max attempts exceeded: %s", outcome.Reason)
			p.deadLetter(ctx, delivery, reason, log)
			return
		}
		p.requeue(ctx, delivery, outcome.Reason, log)
	}
}

// invokeHandler runs the handler under its timeout, converting panics and
// deadline overruns into retryable outcomes.
func (p *Pool) invokeHandler(ctx context.Context, h handler.Handler, task *dispatch.Task) (outcome handler.Outcome) {
	invokeCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			outcome = handler.Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	done := make(chan handler.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handler.Retry(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		done <- h.Process(invokeCtx, task.Envelope)
	}()

	select {
	case outcome = <-done:
		return outcome
	case <-invokeCtx.Done():
		return handler.Retry(fmt.Sprintf("handler timed out after %s", p.cfg.HandlerTimeout))
	}
}

// requeue waits out the backoff for this attempt, then enqueues the next
// attempt and retires the current delivery. If the queue refuses the task
// the delivery is nacked instead, so nothing is lost.
func (p *Pool) requeue(ctx context.Context, delivery dispatch.TaskDelivery, reason string, log zerolog.Logger) {
	task := delivery.Task
	backoff := p.backoffForAttempt(task.Attempt)
	log.Warn().Str("reason", reason).Dur("backoff", backoff).Msg("Handler failed, re-queueing task.")

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		delivery.Nack()
		return
	}

	if err := p.queue.Enqueue(ctx, task.NextAttempt()); err != nil {
		log.Error().Err(err).Msg("Failed to re-enqueue task, Nacking for redelivery.")
		delivery.Nack()
		return
	}
	delivery.Ack()
}

func (p *Pool) deadLetter(ctx context.Context, delivery dispatch.TaskDelivery, reason string, log zerolog.Logger) {
	task := delivery.Task
	payload, err := envelope.Encode(task.Envelope)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode envelope for dead-letter record.")
	}

	rec := &deadletter.Record{
		TaskID:      task.ID,
		MessageType: string(task.Envelope.MessageType),
		RawPayload:  payload,
		Reason:      reason,
		Attempts:    task.Attempt,
		FailedAt:    time.Now().UTC(),
	}
	if err := p.sink.Write(ctx, rec); err != nil {
		// The record could not be made durable; keep the task alive instead.
		log.Error().Err(err).Msg("Failed to write dead-letter record, Nacking task.")
		delivery.Nack()
		return
	}
	log.Warn().Str("reason", reason).Msg("Task dead-lettered.")
	delivery.Ack()
}

func (p *Pool) backoffForAttempt(attempt int) time.Duration {
	backoff := p.cfg.RetryInitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.cfg.RetryMaxBackoff {
			return p.cfg.RetryMaxBackoff
		}
	}
	if backoff > p.cfg.RetryMaxBackoff {
		backoff = p.cfg.RetryMaxBackoff
	}
	return backoff
}
