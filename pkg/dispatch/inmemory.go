package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrQueueUnavailable is returned by Enqueue when the queue cannot accept the
// task. Callers retry at their boundary; tasks are never dropped here.
var ErrQueueUnavailable = errors.New("dispatch queue unavailable")

// InMemoryQueue is a channel-backed queue implementing both TaskQueue and
// TaskSource. It mirrors the delivery semantics of the production queue
// (at-least-once, nacked tasks are redelivered) and is used in tests and
// single-process deployments.
type InMemoryQueue struct {
	logger zerolog.Logger

	buffer chan *Task
	out    chan TaskDelivery
	done   chan struct{}

	stopped   atomic.Bool
	stopOnce  sync.Once
	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewInMemoryQueue creates a queue holding at most bufferSize undelivered tasks.
func NewInMemoryQueue(bufferSize int, logger zerolog.Logger) *InMemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryQueue{
		logger: logger.With().Str("component", "InMemoryQueue").Logger(),
		buffer: make(chan *Task, bufferSize),
		out:    make(chan TaskDelivery),
		done:   make(chan struct{}),
	}
}

// Enqueue adds a task to the queue. It fails with ErrQueueUnavailable once
// the queue has been stopped or when the buffer stays full until ctx expires.
func (q *InMemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	if q.stopped.Load() {
		return ErrQueueUnavailable
	}
	select {
	case q.buffer <- task:
		return nil
	case <-ctx.Done():
		return ErrQueueUnavailable
	}
}

// Messages returns the single-consumer-pull delivery channel.
func (q *InMemoryQueue) Messages() <-chan TaskDelivery { return q.out }

// Start begins wrapping buffered tasks into deliveries.
func (q *InMemoryQueue) Start(ctx context.Context) error {
	q.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.wg.Add(1)
		go q.deliverLoop(loopCtx)
	})
	return nil
}

func (q *InMemoryQueue) deliverLoop(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.out)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.buffer:
			select {
			case q.out <- q.newDelivery(task):
			case <-ctx.Done():
				// Undelivered task stays conceptually unacked; it is lost only
				// because the in-memory queue has no persistence across restarts.
				q.logger.Warn().Str("task_id", task.ID).Msg("Queue stopping with undelivered task.")
				return
			}
		}
	}
}

func (q *InMemoryQueue) newDelivery(task *Task) TaskDelivery {
	var settled sync.Once
	return TaskDelivery{
		Task: task,
		Ack:  func() { settled.Do(func() {}) },
		Nack: func() {
			settled.Do(func() {
				// Redeliver without blocking the worker that nacked.
				go func() {
					if q.stopped.Load() {
						return
					}
					select {
					case q.buffer <- task:
					case <-q.done:
					}
				}()
			})
		},
	}
}

// Stop ceases delivery. Buffered tasks are discarded; the production queue
// retains them instead, so tests asserting redelivery must do so before Stop.
func (q *InMemoryQueue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		if q.cancel != nil {
			q.cancel()
		}
		waitDone := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-ctx.Done():
			q.logger.Error().Msg("Timeout waiting for delivery loop to stop.")
		}
		close(q.done)
	})
	return nil
}

// Done is closed when the queue has fully shut down.
func (q *InMemoryQueue) Done() <-chan struct{} { return q.done }
