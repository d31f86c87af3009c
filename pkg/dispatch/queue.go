package dispatch

import "context"

// TaskQueue is the enqueue side of the dispatch queue. Implementations must
// be safe for concurrent use; Enqueue returns only after the task has been
// durably accepted by the queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error
}

// TaskDelivery hands one pulled task to a worker together with its
// acknowledgement handles. Exactly one of Ack or Nack must eventually be
// called: Ack retires the task, Nack returns it to the queue for redelivery.
type TaskDelivery struct {
	Task *Task
	Ack  func()
	Nack func()
}

// TaskSource is the consume side of the dispatch queue. The channel returned
// by Messages supports atomic single-consumer pull: no two workers ever
// receive the same delivery.
type TaskSource interface {
	// Messages returns the channel workers pull task deliveries from.
	Messages() <-chan TaskDelivery
	// Start begins delivering tasks.
	Start(ctx context.Context) error
	// Stop ceases delivery and waits for background work to finish.
	Stop(ctx context.Context) error
	// Done is closed once the source has completely shut down.
	Done() <-chan struct{}
}
