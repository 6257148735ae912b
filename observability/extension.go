package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/taskqueue"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/replicante-io/replicore/observability"

// Compile-time interface checks.
var (
	_ hooks.Extension          = (*MetricsExtension)(nil)
	_ hooks.TaskEnqueued       = (*MetricsExtension)(nil)
	_ hooks.TaskCompleted      = (*MetricsExtension)(nil)
	_ hooks.TaskFailed         = (*MetricsExtension)(nil)
	_ hooks.TaskDropped        = (*MetricsExtension)(nil)
	_ hooks.ElectionChanged    = (*MetricsExtension)(nil)
	_ hooks.CycleCompleted     = (*MetricsExtension)(nil)
	_ hooks.CycleAborted       = (*MetricsExtension)(nil)
	_ hooks.EventEmitted       = (*MetricsExtension)(nil)
	_ hooks.ActionTransitioned = (*MetricsExtension)(nil)
	_ hooks.DiscoveryUpdated   = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OTel
// instruments. Register it on the hooks registry to automatically track
// task throughput, drops, election flips, refresh cycle outcomes and
// durations, event volume, action transitions and discovery updates.
type MetricsExtension struct {
	taskEnqueued  metric.Int64Counter
	taskCompleted metric.Int64Counter
	taskFailed    metric.Int64Counter
	taskDropped   metric.Int64Counter

	electionChanged metric.Int64Counter

	cycleCompleted metric.Int64Counter
	cycleAborted   metric.Int64Counter
	cycleDuration  metric.Float64Histogram

	eventEmitted       metric.Int64Counter
	actionTransitioned metric.Int64Counter
	discoveryUpdated   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If no provider is configured the instruments are noop.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific
// MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On instrument creation errors the OTel API returns noop
	// instruments, so the extension degrades gracefully.
	m := &MetricsExtension{}
	m.taskEnqueued, _ = meter.Int64Counter("replicore.tasks.enqueued",
		metric.WithDescription("Tasks accepted onto a queue"))
	m.taskCompleted, _ = meter.Int64Counter("replicore.tasks.completed",
		metric.WithDescription("Tasks processed successfully"))
	m.taskFailed, _ = meter.Int64Counter("replicore.tasks.failed",
		metric.WithDescription("Failed task attempts"))
	m.taskDropped, _ = meter.Int64Counter("replicore.tasks.dropped",
		metric.WithDescription("Tasks dropped after exhausting retries"))
	m.electionChanged, _ = meter.Int64Counter("replicore.elections.changed",
		metric.WithDescription("Election role changes observed by this process"))
	m.cycleCompleted, _ = meter.Int64Counter("replicore.cycles.completed",
		metric.WithDescription("Cluster refresh cycles persisted"))
	m.cycleAborted, _ = meter.Int64Counter("replicore.cycles.aborted",
		metric.WithDescription("Cluster refresh cycles aborted before persisting"))
	m.cycleDuration, _ = meter.Float64Histogram("replicore.cycle.duration",
		metric.WithDescription("Duration of completed refresh cycles in seconds"),
		metric.WithUnit("s"))
	m.eventEmitted, _ = meter.Int64Counter("replicore.events.emitted",
		metric.WithDescription("Events appended to the trail"))
	m.actionTransitioned, _ = meter.Int64Counter("replicore.actions.transitioned",
		metric.WithDescription("Action state transitions"))
	m.discoveryUpdated, _ = meter.Int64Counter("replicore.discoveries.updated",
		metric.WithDescription("Discovery record writes"))
	return m
}

// Name implements hooks.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Task lifecycle hooks ────────────────────────────

// OnTaskEnqueued implements hooks.TaskEnqueued.
func (m *MetricsExtension) OnTaskEnqueued(ctx context.Context, t *taskqueue.Task) error {
	m.taskEnqueued.Add(ctx, 1, queueAttr(t.Queue))
	return nil
}

// OnTaskCompleted implements hooks.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *taskqueue.Task, _ time.Duration) error {
	m.taskCompleted.Add(ctx, 1, queueAttr(t.Queue))
	return nil
}

// OnTaskFailed implements hooks.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *taskqueue.Task, _ error) error {
	m.taskFailed.Add(ctx, 1, queueAttr(t.Queue))
	return nil
}

// OnTaskDropped implements hooks.TaskDropped.
func (m *MetricsExtension) OnTaskDropped(ctx context.Context, t *taskqueue.Task) error {
	m.taskDropped.Add(ctx, 1, queueAttr(t.Queue))
	return nil
}

// ── Coordination hooks ──────────────────────────────

// OnElectionChanged implements hooks.ElectionChanged.
func (m *MetricsExtension) OnElectionChanged(ctx context.Context, resource string, role coordinator.Role) error {
	m.electionChanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("role", string(role)),
	))
	return nil
}

// ── Fleet hooks ─────────────────────────────────────

// OnCycleCompleted implements hooks.CycleCompleted.
func (m *MetricsExtension) OnCycleCompleted(ctx context.Context, clusterID string, _ int64, elapsed time.Duration) error {
	attrs := clusterAttr(clusterID)
	m.cycleCompleted.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnCycleAborted implements hooks.CycleAborted.
func (m *MetricsExtension) OnCycleAborted(ctx context.Context, clusterID string, _ error) error {
	m.cycleAborted.Add(ctx, 1, clusterAttr(clusterID))
	return nil
}

// OnEventEmitted implements hooks.EventEmitted.
func (m *MetricsExtension) OnEventEmitted(ctx context.Context, e *events.Event) error {
	m.eventEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("code", string(e.Code)),
	))
	return nil
}

// OnActionTransitioned implements hooks.ActionTransitioned.
func (m *MetricsExtension) OnActionTransitioned(ctx context.Context, a *action.Action, _, to action.State) error {
	m.actionTransitioned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cluster_id", a.ClusterID),
		attribute.String("to", string(to)),
	))
	return nil
}

// OnDiscoveryUpdated implements hooks.DiscoveryUpdated.
func (m *MetricsExtension) OnDiscoveryUpdated(ctx context.Context, record *fleet.DiscoveryRecord) error {
	m.discoveryUpdated.Add(ctx, 1, clusterAttr(record.ClusterID))
	return nil
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func clusterAttr(clusterID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cluster_id", clusterID))
}
