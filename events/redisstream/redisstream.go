// Package redisstream implements events.Emitter on Redis Streams.
// Each ordering key maps to its own stream, so Redis's per-stream
// append order provides the per-key ordering guarantee directly.
package redisstream

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/replicante-io/replicore/events"
)

const streamPrefix = "replicore:events:"

// Option configures the Emitter.
type Option func(*Emitter)

// WithMaxLen caps each stream's length (approximate trimming). Zero
// means unbounded.
func WithMaxLen(n int64) Option {
	return func(e *Emitter) { e.maxLen = n }
}

// WithTimeout sets the wire-format timeout stamped on emitted events.
func WithTimeout(d time.Duration) Option {
	return func(e *Emitter) { e.timeout = &d }
}

// Emitter appends events to per-key Redis Streams. The caller owns the
// Redis client lifecycle.
type Emitter struct {
	client  goredis.Cmdable
	maxLen  int64
	timeout *time.Duration
}

var _ events.Emitter = (*Emitter)(nil)

// New creates a Redis Streams emitter.
func New(client goredis.Cmdable, opts ...Option) *Emitter {
	e := &Emitter{client: client}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit appends the event to the stream for its ordering key.
func (e *Emitter) Emit(ctx context.Context, event *events.Event) error {
	payload, err := events.MarshalWire(event, e.timeout)
	if err != nil {
		return err
	}
	args := &goredis.XAddArgs{
		Stream: streamPrefix + event.OrderingKey(),
		Values: map[string]interface{}{"event": string(payload)},
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	if err := e.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("replicore/redisstream: append event %s: %w", event.Code, err)
	}
	return nil
}
