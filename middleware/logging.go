package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/taskqueue"
)

// Logging returns middleware that logs task start and completion.
// Skipped tasks log at debug level; a worker declining work this cycle
// is routine, not a failure.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *taskqueue.Task, next Handler) error {
		logger.Info("task started",
			slog.String("queue", t.Queue),
			slog.String("task_id", t.ID.String()),
			slog.Int("attempt", t.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case errors.Is(err, replicore.ErrSkipTask):
			logger.Debug("task skipped",
				slog.String("queue", t.Queue),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("reason", err.Error()),
			)
		case err != nil:
			logger.Error("task failed",
				slog.String("queue", t.Queue),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		default:
			logger.Info("task completed",
				slog.String("queue", t.Queue),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
