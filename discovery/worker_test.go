package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/scheduler"
	storemem "github.com/replicante-io/replicore/store/memory"
)

func TestDiscoverCreatesRecordAndSpec(t *testing.T) {
	store := storemem.New()
	backend := NewStaticBackend()
	backend.SetCluster(Cluster{
		ClusterID:     "shop-db",
		DisplayName:   "Shop DB",
		NodeAddresses: []string{"https://node-1:16544", "https://node-2:16544"},
	})
	recorder := events.NewRecorder()
	worker := NewWorker(store, backend, recorder)

	ctx := context.Background()
	payload, err := scheduler.EncodePayload("shop-db")
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if err := worker.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	record, err := store.GetDiscovery(ctx, "shop-db")
	if err != nil {
		t.Fatalf("GetDiscovery() error = %v", err)
	}
	if len(record.NodeAddresses) != 2 || record.DisplayName != "Shop DB" {
		t.Fatalf("record = %+v, not written from the backend", record)
	}

	// A spec is created so orchestration picks the cluster up.
	spec, err := store.GetSpec(ctx, "shop-db")
	if err != nil {
		t.Fatalf("GetSpec() error = %v", err)
	}
	if !spec.Enabled {
		t.Fatal("new cluster spec not enabled")
	}
	if spec.NextRefresh.After(time.Now().UTC()) {
		t.Fatal("new cluster spec not immediately due")
	}

	codes := recorder.Codes("shop-db")
	if len(codes) != 1 || codes[0] != events.CodeClusterNew {
		t.Fatalf("events = %v, want [CLUSTER_NEW]", codes)
	}
}

func TestDiscoverEmitsChangeOnlyWhenMembershipMoves(t *testing.T) {
	store := storemem.New()
	backend := NewStaticBackend()
	backend.SetCluster(Cluster{ClusterID: "shop-db", NodeAddresses: []string{"https://node-1:16544"}})
	recorder := events.NewRecorder()
	worker := NewWorker(store, backend, recorder)

	ctx := context.Background()
	payload, _ := scheduler.EncodePayload("shop-db") //nolint:errcheck // static payload cannot fail

	if err := worker.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// Unchanged membership: no new event.
	if err := worker.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if codes := recorder.Codes("shop-db"); len(codes) != 1 {
		t.Fatalf("events after idempotent rediscovery = %v, want just CLUSTER_NEW", codes)
	}

	backend.SetCluster(Cluster{ClusterID: "shop-db", NodeAddresses: []string{"https://node-1:16544", "https://node-3:16544"}})
	if err := worker.Handle(ctx, payload); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	codes := recorder.Codes("shop-db")
	if len(codes) != 2 || codes[1] != events.CodeClusterChanged {
		t.Fatalf("events = %v, want [CLUSTER_NEW CLUSTER_CHANGED]", codes)
	}
}

func TestDiscoverUnknownClusterSkips(t *testing.T) {
	store := storemem.New()
	worker := NewWorker(store, NewStaticBackend(), events.NewRecorder())

	payload, _ := scheduler.EncodePayload("ghost") //nolint:errcheck // static payload cannot fail
	err := worker.Handle(context.Background(), payload)
	if !errors.Is(err, replicore.ErrSkipTask) {
		t.Fatalf("Handle() error = %v, want ErrSkipTask", err)
	}
}

func TestSeedOnlyCreatesMissingRecords(t *testing.T) {
	store := storemem.New()
	backend := NewStaticBackend()
	backend.SetCluster(Cluster{ClusterID: "a", NodeAddresses: []string{"https://a-1:16544"}})
	backend.SetCluster(Cluster{ClusterID: "b", NodeAddresses: []string{"https://b-1:16544"}})
	worker := NewWorker(store, backend, events.NewRecorder())

	ctx := context.Background()
	// Pre-existing record for "a" with a future schedule must survive.
	future := time.Now().UTC().Add(time.Hour)
	existing := &fleet.DiscoveryRecord{
		Entity:        replicore.NewEntity(),
		ClusterID:     "a",
		NodeAddresses: []string{"https://a-1:16544"},
		NextSchedule:  future,
	}
	if err := store.PutDiscovery(ctx, existing); err != nil {
		t.Fatalf("PutDiscovery() error = %v", err)
	}

	if err := worker.Seed(ctx); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	a, err := store.GetDiscovery(ctx, "a")
	if err != nil {
		t.Fatalf("GetDiscovery(a) error = %v", err)
	}
	if !a.NextSchedule.Equal(future) {
		t.Fatal("seed overwrote an existing record")
	}

	b, err := store.GetDiscovery(ctx, "b")
	if err != nil {
		t.Fatalf("GetDiscovery(b) error = %v", err)
	}
	if b.NextSchedule.After(time.Now().UTC()) {
		t.Fatal("seeded record not immediately due")
	}
}
