package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/id"
	"github.com/replicante-io/replicore/taskqueue"
)

// mockRecorder captures audit events for assertions.
type mockRecorder struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (m *mockRecorder) Record(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) last() *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) findByAction(a string) *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Action == a {
			return e
		}
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTask() *taskqueue.Task {
	return &taskqueue.Task{
		ID:               id.NewTaskID(),
		Queue:            "orchestrate",
		Attempts:         2,
		RetriesRemaining: 1,
	}
}

func TestTaskHooks(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec)
	ctx := context.Background()
	task := testTask()

	if err := ext.OnTaskEnqueued(ctx, task); err != nil {
		t.Fatalf("enqueued: %v", err)
	}
	if err := ext.OnTaskCompleted(ctx, task, 120*time.Millisecond); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if err := ext.OnTaskFailed(ctx, task, errors.New("node unreachable")); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if err := ext.OnTaskDropped(ctx, task); err != nil {
		t.Fatalf("dropped: %v", err)
	}

	if rec.count() != 4 {
		t.Fatalf("expected 4 events, got %d", rec.count())
	}

	evt := rec.findByAction(ActionTaskEnqueued)
	if evt == nil {
		t.Fatal("missing task.enqueued event")
	}
	if evt.Resource != ResourceTask || evt.Category != CategoryTask {
		t.Fatalf("unexpected resource/category: %q/%q", evt.Resource, evt.Category)
	}
	if evt.ResourceID != task.ID.String() {
		t.Fatalf("expected resource id %q, got %q", task.ID, evt.ResourceID)
	}

	failed := rec.findByAction(ActionTaskFailed)
	if failed.Outcome != OutcomeFailure || failed.Severity != SeverityWarning {
		t.Fatalf("unexpected failed outcome/severity: %q/%q", failed.Outcome, failed.Severity)
	}
	if failed.Reason != "node unreachable" {
		t.Fatalf("unexpected reason: %q", failed.Reason)
	}

	dropped := rec.findByAction(ActionTaskDropped)
	if dropped.Severity != SeverityCritical {
		t.Fatalf("expected critical severity for drop, got %q", dropped.Severity)
	}
}

func TestElectionChanged(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec)

	if err := ext.OnElectionChanged(context.Background(), "scheduler/discover", coordinator.RolePrimary); err != nil {
		t.Fatalf("election changed: %v", err)
	}

	evt := rec.last()
	if evt.Action != ActionElectionChanged {
		t.Fatalf("unexpected action: %q", evt.Action)
	}
	if evt.ResourceID != "scheduler/discover" {
		t.Fatalf("unexpected resource id: %q", evt.ResourceID)
	}
	if evt.Metadata["role"] != string(coordinator.RolePrimary) {
		t.Fatalf("unexpected role metadata: %v", evt.Metadata["role"])
	}
}

func TestCycleHooks(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec)
	ctx := context.Background()

	if err := ext.OnCycleCompleted(ctx, "shop-db", 7, 80*time.Millisecond); err != nil {
		t.Fatalf("cycle completed: %v", err)
	}
	if err := ext.OnCycleAborted(ctx, "shop-db", errors.New("lock lost")); err != nil {
		t.Fatalf("cycle aborted: %v", err)
	}

	completed := rec.findByAction(ActionCycleCompleted)
	if completed.Metadata["generation"] != int64(7) {
		t.Fatalf("unexpected generation: %v", completed.Metadata["generation"])
	}

	aborted := rec.findByAction(ActionCycleAborted)
	if aborted.Outcome != OutcomeFailure {
		t.Fatalf("expected failure outcome, got %q", aborted.Outcome)
	}
	if aborted.Reason != "lock lost" {
		t.Fatalf("unexpected reason: %q", aborted.Reason)
	}
}

func TestActionTransitioned(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec)

	a := action.New("shop-db", "node-0", "backup", "operator", nil)
	if err := ext.OnActionTransitioned(context.Background(), a, action.StateRunning, action.StateFailed); err != nil {
		t.Fatalf("action transitioned: %v", err)
	}

	evt := rec.last()
	if evt.Severity != SeverityWarning || evt.Outcome != OutcomeFailure {
		t.Fatalf("expected warning/failure for failed action, got %q/%q", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["from"] != string(action.StateRunning) || evt.Metadata["to"] != string(action.StateFailed) {
		t.Fatalf("unexpected transition metadata: %v", evt.Metadata)
	}

	if err := ext.OnActionTransitioned(context.Background(), a, action.StateRunning, action.StateDone); err != nil {
		t.Fatalf("action transitioned: %v", err)
	}
	if rec.last().Severity != SeverityInfo {
		t.Fatalf("expected info severity for done action, got %q", rec.last().Severity)
	}
}

func TestDiscoveryUpdated(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec)

	record := &fleet.DiscoveryRecord{
		ClusterID:     "shop-db",
		NodeAddresses: []string{"https://n0:2480", "https://n1:2480"},
	}
	if err := ext.OnDiscoveryUpdated(context.Background(), record); err != nil {
		t.Fatalf("discovery updated: %v", err)
	}

	evt := rec.last()
	if evt.Action != ActionDiscoveryUpdated {
		t.Fatalf("unexpected action: %q", evt.Action)
	}
	if evt.Metadata["nodes"] != 2 {
		t.Fatalf("unexpected node count: %v", evt.Metadata["nodes"])
	}
}

func TestWithActionsFilter(t *testing.T) {
	rec := &mockRecorder{}
	ext := New(rec, WithActions(ActionTaskDropped))
	ctx := context.Background()
	task := testTask()

	if err := ext.OnTaskEnqueued(ctx, task); err != nil {
		t.Fatalf("enqueued: %v", err)
	}
	if err := ext.OnTaskDropped(ctx, task); err != nil {
		t.Fatalf("dropped: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 event, got %d", rec.count())
	}
	if rec.last().Action != ActionTaskDropped {
		t.Fatalf("unexpected action: %q", rec.last().Action)
	}
}

func TestRecorderFailureNotPropagated(t *testing.T) {
	rec := &mockRecorder{err: errors.New("trail unavailable")}
	ext := New(rec)

	if err := ext.OnTaskEnqueued(context.Background(), testTask()); err != nil {
		t.Fatalf("recorder failure must not propagate, got: %v", err)
	}
}

func TestLogRecorder(t *testing.T) {
	rec := NewLogRecorder(discardLogger())
	err := rec.Record(context.Background(), &Event{
		Action:   ActionCycleCompleted,
		Resource: ResourceCluster,
		Category: CategoryFleet,
		Outcome:  OutcomeSuccess,
		Severity: SeverityInfo,
	})
	if err != nil {
		t.Fatalf("log recorder: %v", err)
	}
}

func TestAllActionsCoversHooks(t *testing.T) {
	all := AllActions()
	if len(all) != 9 {
		t.Fatalf("expected 9 actions, got %d", len(all))
	}
	seen := make(map[string]bool, len(all))
	for _, a := range all {
		if seen[a] {
			t.Fatalf("duplicate action %q", a)
		}
		seen[a] = true
	}
}
