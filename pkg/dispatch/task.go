// Package dispatch provides the single shared work queue that decouples
// ingestion rate from processing rate. The router enqueues tasks, the worker
// pool drains them; ownership of a task transfers atomically at pull time.
package dispatch

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
)

// DefaultQueueName is the single destination shared by all message types.
// Dispatch is by in-task metadata, not by queue topology.
const DefaultQueueName = "iot_default_q"

// Attribute keys carried alongside the task payload on the queue transport.
// AttrMessageType is the only routing key workers consult.
const (
	AttrTaskID      = "task_id"
	AttrMessageType = "message_type"
	AttrBikeID      = "bike_id"
	AttrAttempt     = "attempt"
	AttrEnqueuedAt  = "enqueued_at"
	AttrQueue       = "queue"
)

// Task wraps one Envelope with its delivery metadata. Tasks are queue-owned:
// the router creates them and exactly one worker retires or re-queues them.
type Task struct {
	ID         string
	Envelope   *envelope.Envelope
	Attempt    int
	EnqueuedAt time.Time
	Queue      string
}

// NewTask creates a first-attempt task for the default queue.
func NewTask(env *envelope.Envelope) *Task {
	return &Task{
		ID:         uuid.NewString(),
		Envelope:   env,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Queue:      DefaultQueueName,
	}
}

// NextAttempt returns a copy of the task scheduled for redelivery with an
// incremented attempt count. The task id is preserved so retries of the same
// logical event remain correlated in logs and dead-letter records.
func (t *Task) NextAttempt() *Task {
	next := *t
	next.Attempt = t.Attempt + 1
	next.EnqueuedAt = time.Now().UTC()
	return &next
}

// Attributes flattens the delivery metadata into transport attributes.
func (t *Task) Attributes() map[string]string {
	return map[string]string{
		AttrTaskID:      t.ID,
		AttrMessageType: string(t.Envelope.MessageType),
		AttrBikeID:      t.Envelope.BikeID,
		AttrAttempt:     strconv.Itoa(t.Attempt),
		AttrEnqueuedAt:  t.EnqueuedAt.Format(time.RFC3339Nano),
		AttrQueue:       t.Queue,
	}
}

// TaskFromTransport reconstructs a task from a queue payload and attributes.
func TaskFromTransport(payload []byte, attrs map[string]string) (*Task, error) {
	env, err := envelope.Decode(payload, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("task payload is not a valid envelope: %w", err)
	}

	task := &Task{
		ID:       attrs[AttrTaskID],
		Envelope: env,
		Attempt:  1,
		Queue:    attrs[AttrQueue],
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Queue == "" {
		task.Queue = DefaultQueueName
	}
	if raw, ok := attrs[AttrAttempt]; ok {
		if attempt, err := strconv.Atoi(raw); err == nil && attempt > 0 {
			task.Attempt = attempt
		}
	}
	if raw, ok := attrs[AttrEnqueuedAt]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			task.EnqueuedAt = ts
		}
	}
	return task, nil
}
