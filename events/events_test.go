package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestOrderingKeyFallsBackToSystem(t *testing.T) {
	clustered, err := New(CodeNodeNew, "cluster-a", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if key := clustered.OrderingKey(); key != "cluster-a" {
		t.Fatalf("OrderingKey() = %q, want cluster-a", key)
	}

	system, err := New(CodeSnapshotDiscovery, "", nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if key := system.OrderingKey(); key != SystemOrderingKey {
		t.Fatalf("OrderingKey() = %q, want %q", key, SystemOrderingKey)
	}
}

func TestWireFormatIsFlat(t *testing.T) {
	e, err := New(CodeNodeDown, "cluster-a", map[string]string{"node_id": "node-2"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	timeout := 30 * time.Second
	data, err := MarshalWire(e, &timeout)
	if err != nil {
		t.Fatalf("MarshalWire() error = %v", err)
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		t.Fatalf("wire event is not a JSON object: %v", err)
	}
	for _, attr := range []string{"data", "event", "timeout", "cluster_id", "timestamp"} {
		if _, ok := root[attr]; !ok {
			t.Fatalf("wire event missing root attribute %q", attr)
		}
	}

	decoded, err := UnmarshalWire(data)
	if err != nil {
		t.Fatalf("UnmarshalWire() error = %v", err)
	}
	if decoded.Code != CodeNodeDown || decoded.ClusterID != "cluster-a" {
		t.Fatalf("decoded event = %s/%s, want NODE_DOWN/cluster-a", decoded.Code, decoded.ClusterID)
	}
}

func TestRecorderPreservesPerKeyOrder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	codes := []Code{CodeNodeNew, CodeNodeChanged, CodeNodeDown, CodeNodeUp}
	for _, code := range codes {
		e, err := New(code, "cluster-a", nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := r.Emit(ctx, e); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	other, _ := New(CodeClusterNew, "cluster-b", nil) //nolint:errcheck // nil payload cannot fail
	if err := r.Emit(ctx, other); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	got := r.Codes("cluster-a")
	if len(got) != len(codes) {
		t.Fatalf("recorded %d events for cluster-a, want %d", len(got), len(codes))
	}
	for i, code := range codes {
		if got[i] != code {
			t.Fatalf("event %d = %s, want %s", i, got[i], code)
		}
	}
	if len(r.Codes("cluster-b")) != 1 {
		t.Fatal("cluster-b events leaked into the wrong key")
	}
}
