// Package memory implements taskqueue.Queue in process memory.
// Intended for unit testing and single-node development.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/id"
	"github.com/replicante-io/replicore/taskqueue"
)

// queueBuffer is the per-queue ready channel capacity.
const queueBuffer = 1024

// Option configures the Queue.
type Option func(*Queue)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithDropHandler sets the callback invoked when a task exhausts its
// retries and is dropped.
func WithDropHandler(fn taskqueue.DropFunc) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// Queue is an in-memory taskqueue.Queue. Safe for concurrent use.
type Queue struct {
	logger *slog.Logger
	onDrop taskqueue.DropFunc

	mu     sync.Mutex
	ready  map[string]chan *taskqueue.Task
	timers map[string]*time.Timer // task ID → pending redelivery
	closed bool
}

var _ taskqueue.Queue = (*Queue)(nil)

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger: slog.Default(),
		ready:  make(map[string]chan *taskqueue.Task),
		timers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) channel(queue string) chan *taskqueue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.ready[queue]
	if !ok {
		ch = make(chan *taskqueue.Task, queueBuffer)
		q.ready[queue] = ch
	}
	return ch
}

// Enqueue adds a task to a queue.
func (q *Queue) Enqueue(_ context.Context, queue string, payload []byte, policy taskqueue.RetryPolicy) (*taskqueue.Task, error) {
	t := &taskqueue.Task{
		Entity:           replicore.NewEntity(),
		ID:               id.NewTaskID(),
		Queue:            queue,
		Payload:          payload,
		RetriesRemaining: policy.Retries,
		RetryDelay:       policy.Delay,
		Exponential:      policy.Exponential,
		MaxDelay:         policy.MaxDelay,
	}

	select {
	case q.channel(queue) <- t:
		return t, nil
	default:
		return nil, replicore.ErrQueueFull
	}
}

// Consume blocks until a task is available or ctx is done.
func (q *Queue) Consume(ctx context.Context, queue string) (*taskqueue.Task, error) {
	select {
	case t := <-q.channel(queue):
		t.Attempts++
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AckSuccess permanently acknowledges a task.
func (q *Queue) AckSuccess(_ context.Context, _ *taskqueue.Task) error {
	return nil
}

// AckFail schedules a redelivery or drops the task once retries are
// exhausted.
func (q *Queue) AckFail(ctx context.Context, t *taskqueue.Task) error {
	if t.RetriesRemaining <= 0 {
		q.drop(ctx, t)
		return nil
	}
	t.RetriesRemaining--
	t.Touch()

	delay := t.NextDelay()
	next := time.Now().UTC().Add(delay)
	t.NextRetryAt = &next

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	taskID := t.ID.String()
	q.timers[taskID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, taskID)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.channel(t.Queue) <- t:
		default:
			q.logger.Warn("redelivery dropped, queue full",
				slog.String("task_id", taskID),
				slog.String("queue", t.Queue),
			)
		}
	})
	return nil
}

// AckSkip discards a task without counting a failure.
func (q *Queue) AckSkip(_ context.Context, _ *taskqueue.Task) error {
	return nil
}

// SetDropHandler installs the drop callback. Must be called before
// consumption starts.
func (q *Queue) SetDropHandler(fn taskqueue.DropFunc) {
	q.onDrop = fn
}

// Close stops all pending redeliveries.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for taskID, timer := range q.timers {
		timer.Stop()
		delete(q.timers, taskID)
	}
	return nil
}

func (q *Queue) drop(ctx context.Context, t *taskqueue.Task) {
	q.logger.Warn("task dropped after exhausting retries",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("attempts", t.Attempts),
		slog.String("last_error", t.LastError),
	)
	if q.onDrop != nil {
		q.onDrop(ctx, t)
	}
}
