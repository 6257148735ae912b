package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/taskqueue"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type taskEnqueuedEntry struct {
	name string
	hook TaskEnqueued
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskDroppedEntry struct {
	name string
	hook TaskDropped
}

type electionChangedEntry struct {
	name string
	hook ElectionChanged
}

type cycleCompletedEntry struct {
	name string
	hook CycleCompleted
}

type cycleAbortedEntry struct {
	name string
	hook CycleAborted
}

type eventEmittedEntry struct {
	name string
	hook EventEmitted
}

type actionTransitionedEntry struct {
	name string
	hook ActionTransitioned
}

type discoveryUpdatedEntry struct {
	name string
	hook DiscoveryUpdated
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	taskEnqueued       []taskEnqueuedEntry
	taskCompleted      []taskCompletedEntry
	taskFailed         []taskFailedEntry
	taskDropped        []taskDroppedEntry
	electionChanged    []electionChangedEntry
	cycleCompleted     []cycleCompletedEntry
	cycleAborted       []cycleAbortedEntry
	eventEmitted       []eventEmittedEntry
	actionTransitioned []actionTransitionedEntry
	discoveryUpdated   []discoveryUpdatedEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskEnqueued); ok {
		r.taskEnqueued = append(r.taskEnqueued, taskEnqueuedEntry{name, h})
	}
	if h, ok := e.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskDropped); ok {
		r.taskDropped = append(r.taskDropped, taskDroppedEntry{name, h})
	}
	if h, ok := e.(ElectionChanged); ok {
		r.electionChanged = append(r.electionChanged, electionChangedEntry{name, h})
	}
	if h, ok := e.(CycleCompleted); ok {
		r.cycleCompleted = append(r.cycleCompleted, cycleCompletedEntry{name, h})
	}
	if h, ok := e.(CycleAborted); ok {
		r.cycleAborted = append(r.cycleAborted, cycleAbortedEntry{name, h})
	}
	if h, ok := e.(EventEmitted); ok {
		r.eventEmitted = append(r.eventEmitted, eventEmittedEntry{name, h})
	}
	if h, ok := e.(ActionTransitioned); ok {
		r.actionTransitioned = append(r.actionTransitioned, actionTransitionedEntry{name, h})
	}
	if h, ok := e.(DiscoveryUpdated); ok {
		r.discoveryUpdated = append(r.discoveryUpdated, discoveryUpdatedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitTaskEnqueued notifies all extensions that implement TaskEnqueued.
func (r *Registry) EmitTaskEnqueued(ctx context.Context, t *taskqueue.Task) {
	for _, e := range r.taskEnqueued {
		if err := e.hook.OnTaskEnqueued(ctx, t); err != nil {
			r.logHookError("OnTaskEnqueued", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all extensions that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *taskqueue.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *taskqueue.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskDropped notifies all extensions that implement TaskDropped.
func (r *Registry) EmitTaskDropped(ctx context.Context, t *taskqueue.Task) {
	for _, e := range r.taskDropped {
		if err := e.hook.OnTaskDropped(ctx, t); err != nil {
			r.logHookError("OnTaskDropped", e.name, err)
		}
	}
}

// EmitElectionChanged notifies all extensions that implement ElectionChanged.
func (r *Registry) EmitElectionChanged(ctx context.Context, resource string, role coordinator.Role) {
	for _, e := range r.electionChanged {
		if err := e.hook.OnElectionChanged(ctx, resource, role); err != nil {
			r.logHookError("OnElectionChanged", e.name, err)
		}
	}
}

// EmitCycleCompleted notifies all extensions that implement CycleCompleted.
func (r *Registry) EmitCycleCompleted(ctx context.Context, clusterID string, generation int64, elapsed time.Duration) {
	for _, e := range r.cycleCompleted {
		if err := e.hook.OnCycleCompleted(ctx, clusterID, generation, elapsed); err != nil {
			r.logHookError("OnCycleCompleted", e.name, err)
		}
	}
}

// EmitCycleAborted notifies all extensions that implement CycleAborted.
func (r *Registry) EmitCycleAborted(ctx context.Context, clusterID string, reason error) {
	for _, e := range r.cycleAborted {
		if err := e.hook.OnCycleAborted(ctx, clusterID, reason); err != nil {
			r.logHookError("OnCycleAborted", e.name, err)
		}
	}
}

// EmitEventEmitted notifies all extensions that implement EventEmitted.
func (r *Registry) EmitEventEmitted(ctx context.Context, event *events.Event) {
	for _, e := range r.eventEmitted {
		if err := e.hook.OnEventEmitted(ctx, event); err != nil {
			r.logHookError("OnEventEmitted", e.name, err)
		}
	}
}

// EmitActionTransitioned notifies all extensions that implement ActionTransitioned.
func (r *Registry) EmitActionTransitioned(ctx context.Context, a *action.Action, from, to action.State) {
	for _, e := range r.actionTransitioned {
		if err := e.hook.OnActionTransitioned(ctx, a, from, to); err != nil {
			r.logHookError("OnActionTransitioned", e.name, err)
		}
	}
}

// EmitDiscoveryUpdated notifies all extensions that implement DiscoveryUpdated.
func (r *Registry) EmitDiscoveryUpdated(ctx context.Context, record *fleet.DiscoveryRecord) {
	for _, e := range r.discoveryUpdated {
		if err := e.hook.OnDiscoveryUpdated(ctx, record); err != nil {
			r.logHookError("OnDiscoveryUpdated", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
