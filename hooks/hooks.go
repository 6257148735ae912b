// Package hooks defines the extension system for the control plane.
// Extensions are notified of lifecycle events (task dropped, election
// changed, refresh cycle completed, etc.) and can react to them —
// logging, metrics, alerting.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hooks

import (
	"context"
	"time"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/taskqueue"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskEnqueued is called after a task is successfully enqueued.
type TaskEnqueued interface {
	OnTaskEnqueued(ctx context.Context, t *taskqueue.Task) error
}

// TaskCompleted is called after a task is processed successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *taskqueue.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task attempt fails and a redelivery is
// scheduled.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *taskqueue.Task, err error) error
}

// TaskDropped is called when a task exhausts its retries and is
// permanently dropped.
type TaskDropped interface {
	OnTaskDropped(ctx context.Context, t *taskqueue.Task) error
}

// ──────────────────────────────────────────────────
// Coordination hooks
// ──────────────────────────────────────────────────

// ElectionChanged is called when this process's role for an elected
// resource changes.
type ElectionChanged interface {
	OnElectionChanged(ctx context.Context, resource string, role coordinator.Role) error
}

// ──────────────────────────────────────────────────
// Fleet hooks
// ──────────────────────────────────────────────────

// CycleCompleted is called after a cluster refresh cycle persists its
// view.
type CycleCompleted interface {
	OnCycleCompleted(ctx context.Context, clusterID string, generation int64, elapsed time.Duration) error
}

// CycleAborted is called when a refresh cycle stops before persisting,
// for example on lock loss.
type CycleAborted interface {
	OnCycleAborted(ctx context.Context, clusterID string, reason error) error
}

// EventEmitted is called after an event is appended to the trail.
type EventEmitted interface {
	OnEventEmitted(ctx context.Context, e *events.Event) error
}

// ActionTransitioned is called after an action changes state.
type ActionTransitioned interface {
	OnActionTransitioned(ctx context.Context, a *action.Action, from, to action.State) error
}

// DiscoveryUpdated is called after a discovery record is written.
type DiscoveryUpdated interface {
	OnDiscoveryUpdated(ctx context.Context, record *fleet.DiscoveryRecord) error
}

// ──────────────────────────────────────────────────
// Process hooks
// ──────────────────────────────────────────────────

// Shutdown is called when the process begins a graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
