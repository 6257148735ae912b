// Package redis implements taskqueue.Queue on Redis. Tasks are stored
// as Hashes; each queue is a Sorted Set scored by the time the task
// becomes deliverable, so redeliveries park in the same structure as
// fresh tasks. Claimed tasks move to a per-queue in-flight Sorted Set
// scored by claim time; entries older than the visibility timeout are
// returned to the queue, so a consumer crash delays a delivery but
// never loses it.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	q := redisqueue.New(client)
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/id"
	"github.com/replicante-io/replicore/taskqueue"
)

const keyPrefix = "replicore:tasks:"

func queueKey(queue string) string    { return keyPrefix + "queue:" + queue }
func inflightKey(queue string) string { return keyPrefix + "inflight:" + queue }
func taskKey(taskID string) string    { return keyPrefix + "task:" + taskID }

// Option configures the Queue.
type Option func(*Queue)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithPollInterval sets how often Consume polls when the queue is empty
// or the head task is not yet deliverable.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.poll = d }
}

// WithVisibilityTimeout sets how long a claimed task stays in-flight
// before it is assumed abandoned and returned to the queue. Must exceed
// the longest expected task execution, or running tasks get a duplicate
// delivery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

// WithDropHandler sets the callback invoked when a task exhausts its
// retries and is dropped.
func WithDropHandler(fn taskqueue.DropFunc) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// Queue implements taskqueue.Queue backed by Redis. The caller owns the
// Redis client lifecycle.
type Queue struct {
	client     goredis.Cmdable
	logger     *slog.Logger
	poll       time.Duration
	visibility time.Duration
	onDrop     taskqueue.DropFunc
}

var _ taskqueue.Queue = (*Queue)(nil)

// New creates a Redis-backed queue.
func New(client goredis.Cmdable, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		logger:     slog.Default(),
		poll:       time.Second,
		visibility: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores the task hash and adds it to the queue's sorted set,
// deliverable immediately.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, policy taskqueue.RetryPolicy) (*taskqueue.Task, error) {
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

	taskID := t.ID.String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), taskToMap(t))
	pipe.ZAdd(ctx, queueKey(queue), goredis.Z{
		Score:  float64(time.Now().UTC().UnixMilli()),
		Member: taskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("replicore/redisqueue: enqueue: %w", err)
	}
	return t, nil
}

// Consume blocks until a deliverable task is available or ctx is done.
func (q *Queue) Consume(ctx context.Context, queue string) (*taskqueue.Task, error) {
	for {
		q.reapStale(ctx, queue)

		t, ok, err := q.tryPop(ctx, queue)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

// tryPop claims the head of the queue if it is deliverable. The claim
// is written to the in-flight set before the member leaves the queue: a
// crash between the two writes leaves the task in both sets, which the
// reaper resolves to a redelivery, never a loss.
func (q *Queue) tryPop(ctx context.Context, queue string) (*taskqueue.Task, bool, error) {
	now := time.Now().UTC()
	members, err := q.client.ZRangeByScore(ctx, queueKey(queue), &goredis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("replicore/redisqueue: scan queue: %w", err)
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	taskID := members[0]

	if err := q.client.ZAdd(ctx, inflightKey(queue), goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: taskID,
	}).Err(); err != nil {
		return nil, false, fmt.Errorf("replicore/redisqueue: claim: %w", err)
	}
	removed, err := q.client.ZRem(ctx, queueKey(queue), taskID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("replicore/redisqueue: pop: %w", err)
	}
	if removed == 0 {
		// Another consumer won the claim; the in-flight entry belongs
		// to it now.
		return nil, false, nil
	}

	vals, err := q.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("replicore/redisqueue: get task: %w", err)
	}
	if len(vals) == 0 {
		// Orphaned queue member; clear the claim with it.
		q.client.ZRem(ctx, inflightKey(queue), taskID)
		return nil, false, nil
	}

	t, err := mapToTask(vals)
	if err != nil {
		return nil, false, err
	}
	t.Attempts++
	if err := q.client.HSet(ctx, taskKey(taskID), "attempts", strconv.Itoa(t.Attempts)).Err(); err != nil {
		return nil, false, fmt.Errorf("replicore/redisqueue: bump attempts: %w", err)
	}
	return t, true, nil
}

// reapStale returns tasks claimed longer ago than the visibility
// timeout to the queue. Covers consumers that crashed between claiming
// a task and acknowledging it.
func (q *Queue) reapStale(ctx context.Context, queue string) {
	cutoff := time.Now().UTC().Add(-q.visibility).UnixMilli()
	stale, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		q.logger.Warn("failed to scan in-flight tasks",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, taskID := range stale {
		exists, err := q.client.Exists(ctx, taskKey(taskID)).Result()
		if err != nil {
			q.logger.Warn("failed to check stale in-flight task",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			continue
		}

		pipe := q.client.TxPipeline()
		if exists > 0 {
			pipe.ZAdd(ctx, queueKey(queue), goredis.Z{
				Score:  float64(time.Now().UTC().UnixMilli()),
				Member: taskID,
			})
		}
		pipe.ZRem(ctx, inflightKey(queue), taskID)
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("failed to requeue stale in-flight task",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if exists > 0 {
			q.logger.Warn("requeued stale in-flight task",
				slog.String("task_id", taskID),
				slog.String("queue", queue),
			)
		}
	}
}

// AckSuccess deletes the task.
func (q *Queue) AckSuccess(ctx context.Context, t *taskqueue.Task) error {
	return q.delete(ctx, t)
}

// AckFail parks the task for redelivery or drops it once retries are
// exhausted.
func (q *Queue) AckFail(ctx context.Context, t *taskqueue.Task) error {
	if t.RetriesRemaining <= 0 {
		if err := q.delete(ctx, t); err != nil {
			return err
		}
		q.logger.Warn("task dropped after exhausting retries",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
			slog.Int("attempts", t.Attempts),
		)
		if q.onDrop != nil {
			q.onDrop(ctx, t)
		}
		return nil
	}

	t.RetriesRemaining--
	t.Touch()
	next := time.Now().UTC().Add(t.NextDelay())
	t.NextRetryAt = &next

	taskID := t.ID.String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(taskID), taskToMap(t))
	pipe.ZRem(ctx, inflightKey(t.Queue), taskID)
	pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{
		Score:  float64(next.UnixMilli()),
		Member: taskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replicore/redisqueue: park for retry: %w", err)
	}
	return nil
}

// AckSkip deletes the task without counting a failure.
func (q *Queue) AckSkip(ctx context.Context, t *taskqueue.Task) error {
	return q.delete(ctx, t)
}

// SetDropHandler installs the drop callback. Must be called before
// consumption starts.
func (q *Queue) SetDropHandler(fn taskqueue.DropFunc) {
	q.onDrop = fn
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (q *Queue) Close() error { return nil }

func (q *Queue) delete(ctx context.Context, t *taskqueue.Task) error {
	taskID := t.ID.String()
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, taskKey(taskID))
	pipe.ZRem(ctx, queueKey(t.Queue), taskID)
	pipe.ZRem(ctx, inflightKey(t.Queue), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replicore/redisqueue: delete: %w", err)
	}
	return nil
}

// ── hash mapping ──

func taskToMap(t *taskqueue.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":                t.ID.String(),
		"queue":             t.Queue,
		"payload":           string(t.Payload),
		"retries_remaining": strconv.Itoa(t.RetriesRemaining),
		"attempts":          strconv.Itoa(t.Attempts),
		"retry_delay":       strconv.FormatInt(int64(t.RetryDelay), 10),
		"exponential":       strconv.FormatBool(t.Exponential),
		"max_delay":         strconv.FormatInt(int64(t.MaxDelay), 10),
		"last_error":        t.LastError,
		"created_at":        t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.NextRetryAt != nil {
		m["next_retry_at"] = t.NextRetryAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTask(m map[string]string) (*taskqueue.Task, error) {
	taskID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("replicore/redisqueue: parse task id: %w", err)
	}

	retries, _ := strconv.Atoi(m["retries_remaining"])          //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                  //nolint:errcheck // best-effort parse from trusted Redis data
	retryDelay, _ := strconv.ParseInt(m["retry_delay"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	maxDelay, _ := strconv.ParseInt(m["max_delay"], 10, 64)     //nolint:errcheck // best-effort parse from trusted Redis data
	exponential, _ := strconv.ParseBool(m["exponential"])       //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &taskqueue.Task{
		Entity:           replicore.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:               taskID,
		Queue:            m["queue"],
		Payload:          []byte(m["payload"]),
		RetriesRemaining: retries,
		Attempts:         attempts,
		RetryDelay:       time.Duration(retryDelay),
		Exponential:      exponential,
		MaxDelay:         time.Duration(maxDelay),
		LastError:        m["last_error"],
	}
	if v := m["next_retry_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.NextRetryAt = &ts
	}
	return t, nil
}
