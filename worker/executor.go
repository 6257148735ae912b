// Package worker provides the task execution engine — an Executor that
// invokes registered queue handlers through middleware, and a Pool that
// manages concurrent worker goroutines consuming from the task queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/middleware"
	"github.com/replicante-io/replicore/taskqueue"
)

// Handler processes one task payload. Handlers signal a skipped attempt
// by returning an error wrapping replicore.ErrSkipTask; anything else
// counts as a failed attempt and is retried by the queue.
type Handler func(ctx context.Context, payload []byte) error

// Executor runs a single task through middleware and the handler
// registered for its queue, then acknowledges the outcome and emits
// lifecycle events.
type Executor struct {
	handlers   map[string]Handler
	extensions *hooks.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	extensions *hooks.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		handlers:   make(map[string]Handler),
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Register binds a handler to a queue. Registration happens during
// process startup, before the pool starts; it is not safe to call
// concurrently with Execute.
func (e *Executor) Register(queue string, h Handler) {
	e.handlers[queue] = h
}

// Execute runs a task through the middleware chain and handler, then
// acknowledges it on the queue.
// On success: AckSuccess, emits TaskCompleted.
// On skip: AckSkip — neither a success nor a failed attempt.
// On failure: AckFail (redelivery or drop per the task's retry policy),
// emits TaskFailed.
func (e *Executor) Execute(ctx context.Context, q taskqueue.Queue, t *taskqueue.Task) error {
	handler, ok := e.handlers[t.Queue]
	if !ok {
		// A queue with no handler is a wiring bug; fail the attempt so
		// the retry policy bounds the damage instead of redelivering
		// forever.
		err := fmt.Errorf("no handler registered for queue %q", t.Queue)
		return e.handleFailure(ctx, q, t, err)
	}

	start := time.Now()

	// The terminal handler that calls the registered queue handler.
	terminal := func(ctx context.Context) error {
		return handler(ctx, t.Payload)
	}

	err := e.mw(ctx, t, terminal)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, replicore.ErrSkipTask):
		return e.handleSkip(ctx, q, t, err)
	case err != nil:
		return e.handleFailure(ctx, q, t, err)
	}
	return e.handleSuccess(ctx, q, t, elapsed)
}

// handleSuccess permanently acknowledges the task and emits the
// lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, q taskqueue.Queue, t *taskqueue.Task, elapsed time.Duration) error {
	if ackErr := q.AckSuccess(ctx, t); ackErr != nil {
		e.logger.Error("failed to ack task success",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
			slog.String("error", ackErr.Error()),
		)
		return ackErr
	}

	if e.extensions != nil {
		e.extensions.EmitTaskCompleted(ctx, t, elapsed)
	}
	return nil
}

// handleSkip discards the task without counting a failed attempt. The
// work is expected to come around again through its schedule.
func (e *Executor) handleSkip(ctx context.Context, q taskqueue.Queue, t *taskqueue.Task, skipErr error) error {
	if ackErr := q.AckSkip(ctx, t); ackErr != nil {
		e.logger.Error("failed to ack task skip",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
			slog.String("error", ackErr.Error()),
		)
		return ackErr
	}

	e.logger.Debug("task skipped",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.String("reason", skipErr.Error()),
	)
	return nil
}

// handleFailure records the failed attempt; the queue redelivers after
// the retry delay or drops the task once retries are exhausted.
func (e *Executor) handleFailure(ctx context.Context, q taskqueue.Queue, t *taskqueue.Task, handlerErr error) error {
	t.LastError = handlerErr.Error()

	if ackErr := q.AckFail(ctx, t); ackErr != nil {
		e.logger.Error("failed to ack task failure",
			slog.String("task_id", t.ID.String()),
			slog.String("queue", t.Queue),
			slog.String("error", ackErr.Error()),
		)
		return ackErr
	}

	if e.extensions != nil {
		e.extensions.EmitTaskFailed(ctx, t, handlerErr)
	}

	e.logger.Warn("task attempt failed",
		slog.String("task_id", t.ID.String()),
		slog.String("queue", t.Queue),
		slog.Int("attempt", t.Attempts),
		slog.Int("retries_remaining", t.RetriesRemaining),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
