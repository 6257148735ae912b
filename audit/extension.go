package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	actionpkg "github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/taskqueue"
)

// Compile-time interface checks.
var (
	_ hooks.Extension          = (*Extension)(nil)
	_ hooks.TaskEnqueued       = (*Extension)(nil)
	_ hooks.TaskCompleted      = (*Extension)(nil)
	_ hooks.TaskFailed         = (*Extension)(nil)
	_ hooks.TaskDropped        = (*Extension)(nil)
	_ hooks.ElectionChanged    = (*Extension)(nil)
	_ hooks.CycleCompleted     = (*Extension)(nil)
	_ hooks.CycleAborted       = (*Extension)(nil)
	_ hooks.ActionTransitioned = (*Extension)(nil)
	_ hooks.DiscoveryUpdated   = (*Extension)(nil)
)

// Recorder is the interface audit backends must implement. Defined
// locally so this package carries no backend dependency — callers
// inject the concrete trail at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Event is one audit trail entry.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// NewLogRecorder returns a Recorder that writes audit events to a
// structured log. Suitable when the log pipeline is the audit trail.
func NewLogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *Event) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit event",
			slog.String("action", event.Action),
			slog.String("resource", event.Resource),
			slog.String("resource_id", event.ResourceID),
			slog.String("category", event.Category),
			slog.String("outcome", event.Outcome),
			slog.String("severity", event.Severity),
			slog.Any("metadata", event.Metadata),
		)
		return nil
	})
}

// Extension bridges lifecycle hooks to an audit trail backend. Each
// hook emits a structured audit event through the Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hooks.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Task lifecycle hooks ────────────────────────────

// OnTaskEnqueued implements hooks.TaskEnqueued.
func (e *Extension) OnTaskEnqueued(ctx context.Context, t *taskqueue.Task) error {
	return e.record(ctx, ActionTaskEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"queue", t.Queue,
	)
}

// OnTaskCompleted implements hooks.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *taskqueue.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"queue", t.Queue,
		"attempts", t.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskFailed implements hooks.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *taskqueue.Task, taskErr error) error {
	return e.record(ctx, ActionTaskFailed, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, taskErr,
		"queue", t.Queue,
		"attempts", t.Attempts,
		"retries_remaining", t.RetriesRemaining,
	)
}

// OnTaskDropped implements hooks.TaskDropped.
func (e *Extension) OnTaskDropped(ctx context.Context, t *taskqueue.Task) error {
	return e.record(ctx, ActionTaskDropped, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"queue", t.Queue,
		"attempts", t.Attempts,
		"last_error", t.LastError,
	)
}

// ── Coordination hooks ──────────────────────────────

// OnElectionChanged implements hooks.ElectionChanged.
func (e *Extension) OnElectionChanged(ctx context.Context, resource string, role coordinator.Role) error {
	return e.record(ctx, ActionElectionChanged, SeverityInfo, OutcomeSuccess,
		ResourceElection, resource, CategoryCoordination, nil,
		"role", string(role),
	)
}

// ── Fleet hooks ─────────────────────────────────────

// OnCycleCompleted implements hooks.CycleCompleted.
func (e *Extension) OnCycleCompleted(ctx context.Context, clusterID string, generation int64, elapsed time.Duration) error {
	return e.record(ctx, ActionCycleCompleted, SeverityInfo, OutcomeSuccess,
		ResourceCluster, clusterID, CategoryFleet, nil,
		"generation", generation,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnCycleAborted implements hooks.CycleAborted.
func (e *Extension) OnCycleAborted(ctx context.Context, clusterID string, reason error) error {
	return e.record(ctx, ActionCycleAborted, SeverityWarning, OutcomeFailure,
		ResourceCluster, clusterID, CategoryFleet, reason)
}

// OnDiscoveryUpdated implements hooks.DiscoveryUpdated.
func (e *Extension) OnDiscoveryUpdated(ctx context.Context, record *fleet.DiscoveryRecord) error {
	return e.record(ctx, ActionDiscoveryUpdated, SeverityInfo, OutcomeSuccess,
		ResourceCluster, record.ClusterID, CategoryFleet, nil,
		"nodes", len(record.NodeAddresses),
	)
}

// ── Action hooks ────────────────────────────────────

// OnActionTransitioned implements hooks.ActionTransitioned.
func (e *Extension) OnActionTransitioned(ctx context.Context, a *actionpkg.Action, from, to actionpkg.State) error {
	severity := SeverityInfo
	outcome := OutcomeSuccess
	if to == actionpkg.StateFailed || to == actionpkg.StateLost {
		severity = SeverityWarning
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionActionTransitioned, severity, outcome,
		ResourceAction, a.ID, CategoryAction, nil,
		"cluster_id", a.ClusterID,
		"node_id", a.NodeID,
		"kind", a.Kind,
		"from", string(from),
		"to", string(to),
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
