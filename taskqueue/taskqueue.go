// Package taskqueue defines the durable, at-least-once task dispatch
// contract that decouples the schedulers from the workers.
//
// Delivery is at-least-once and unordered: consumers must be idempotent
// or rely on per-resource locks (as the orchestrator does) to make
// redelivery safe. Ordering within a resource is achieved through the
// coordinator package, never through the queue.
package taskqueue

import (
	"context"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/backoff"
	"github.com/replicante-io/replicore/id"
)

// Task is a unit of asynchronous, retryable work. The payload is opaque
// to the queue; only retry bookkeeping is queue-level metadata.
type Task struct {
	replicore.Entity

	ID      id.TaskID `json:"id"`
	Queue   string    `json:"queue"`
	Payload []byte    `json:"payload"`

	// RetriesRemaining counts redeliveries left after a failed attempt.
	// A task enqueued with Retries=N is delivered at most N+1 times.
	RetriesRemaining int `json:"retries_remaining"`

	// Attempts counts deliveries so far, used to grow the retry delay.
	Attempts int `json:"attempts"`

	// RetryDelay is the base delay before a redelivery.
	RetryDelay time.Duration `json:"retry_delay"`

	// Exponential grows the delay exponentially with each attempt
	// instead of keeping it fixed.
	Exponential bool `json:"exponential"`

	// MaxDelay caps the grown delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay"`

	// NextRetryAt is when the task becomes deliverable again after a
	// failure. Nil for tasks that have never failed.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// LastError records the most recent failure reason.
	LastError string `json:"last_error,omitempty"`
}

// NextDelay computes the delay before the next redelivery based on the
// task's policy and attempt count.
func (t *Task) NextDelay() time.Duration {
	if !t.Exponential {
		return t.RetryDelay
	}
	return backoff.NewExponential(t.RetryDelay, t.MaxDelay).Delay(t.Attempts)
}

// RetryPolicy controls redelivery for an enqueued task.
type RetryPolicy struct {
	// Retries is the number of redeliveries after the first failure.
	Retries int

	// Delay is the base delay before a redelivery.
	Delay time.Duration

	// Exponential grows the delay with each attempt.
	Exponential bool

	// MaxDelay caps the grown delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DropFunc is invoked when a task exhausts its retries and is dropped.
// Implementations must not block; queues call it inline.
type DropFunc func(ctx context.Context, t *Task)

// Queue is the capability interface over a task queue backend. One
// implementation exists per backend (memory, redis); core logic depends
// only on this interface.
type Queue interface {
	// Enqueue adds a task to a queue.
	Enqueue(ctx context.Context, queue string, payload []byte, policy RetryPolicy) (*Task, error)

	// Consume blocks until a task is available on the queue or ctx is
	// done. The returned task is in-flight until acknowledged.
	Consume(ctx context.Context, queue string) (*Task, error)

	// AckSuccess permanently acknowledges a task; it is deleted.
	AckSuccess(ctx context.Context, t *Task) error

	// AckFail records a failed attempt. The task is redelivered after
	// its retry delay, or dropped once RetriesRemaining reaches zero.
	AckFail(ctx context.Context, t *Task) error

	// AckSkip discards a task without processing it and without
	// counting a failure. Used when a worker cannot take the work this
	// cycle (for example a cluster lock held elsewhere).
	AckSkip(ctx context.Context, t *Task) error

	// SetDropHandler installs the callback invoked when a task
	// exhausts its retries and is dropped. Must be called before
	// consumption starts; queues do not synchronize handler
	// replacement with delivery.
	SetDropHandler(fn DropFunc)

	// Close stops delivery and releases backend resources.
	Close() error
}
