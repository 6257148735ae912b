package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/id"
	mw "github.com/replicante-io/replicore/middleware"
	"github.com/replicante-io/replicore/taskqueue"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func statusOf(attrs attribute.Set) string {
	v, _ := attrs.Value("status")
	return v.AsString()
}

func TestMetrics_RecordsSuccess(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	task := &taskqueue.Task{ID: id.NewTaskID(), Queue: "orchestrate"}

	err := m(context.Background(), task, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)

	executions, ok := findMetric(rm, "replicore.task.executions")
	if !ok {
		t.Fatal("replicore.task.executions not recorded")
	}
	sum, ok := executions.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", executions.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if dp.Value != 1 {
		t.Errorf("executions = %d, want 1", dp.Value)
	}
	if got := statusOf(dp.Attributes); got != "ok" {
		t.Errorf("status = %q, want %q", got, "ok")
	}
	if queue, _ := dp.Attributes.Value("queue"); queue.AsString() != "orchestrate" {
		t.Errorf("queue = %q, want %q", queue.AsString(), "orchestrate")
	}

	duration, ok := findMetric(rm, "replicore.task.duration")
	if !ok {
		t.Fatal("replicore.task.duration not recorded")
	}
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", duration.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("expected a single duration sample, got %+v", hist.DataPoints)
	}
}

func TestMetrics_RecordsError(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	task := &taskqueue.Task{ID: id.NewTaskID(), Queue: "discover"}

	handlerErr := errors.New("boom")
	err := m(context.Background(), task, func(_ context.Context) error {
		return handlerErr
	})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}

	rm := collectMetrics(t, reader)
	executions, ok := findMetric(rm, "replicore.task.executions")
	if !ok {
		t.Fatal("replicore.task.executions not recorded")
	}
	sum := executions.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
	}
	if got := statusOf(sum.DataPoints[0].Attributes); got != "error" {
		t.Errorf("status = %q, want %q", got, "error")
	}
}

func TestMetrics_RecordsSkipSeparately(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))
	task := &taskqueue.Task{ID: id.NewTaskID(), Queue: "orchestrate"}

	err := m(context.Background(), task, func(_ context.Context) error {
		return fmt.Errorf("cluster locked elsewhere: %w", replicore.ErrSkipTask)
	})
	if !errors.Is(err, replicore.ErrSkipTask) {
		t.Fatalf("expected skip error, got %v", err)
	}

	rm := collectMetrics(t, reader)
	executions, ok := findMetric(rm, "replicore.task.executions")
	if !ok {
		t.Fatal("replicore.task.executions not recorded")
	}
	sum := executions.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
	}
	if got := statusOf(sum.DataPoints[0].Attributes); got != "skip" {
		t.Errorf("status = %q, want %q", got, "skip")
	}
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	// Calling Metrics() without a global provider should not panic.
	m := mw.Metrics()
	task := &taskqueue.Task{ID: id.NewTaskID(), Queue: "orchestrate"}

	called := false
	err := m(context.Background(), task, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}
