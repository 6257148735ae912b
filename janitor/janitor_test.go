package janitor_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/replicante-io/replicore/action"
	coordmem "github.com/replicante-io/replicore/coordinator/memory"
	"github.com/replicante-io/replicore/janitor"
	storemem "github.com/replicante-io/replicore/store/memory"
)

func finishedAction(t *testing.T, store *storemem.Store, clusterID, kind string, finishedAt time.Time) *action.Action {
	t.Helper()
	a := action.New(clusterID, "node-a", kind, "operator", nil)
	a.State = action.StateDone
	a.Finished = &finishedAt
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func TestRunOnceExpiresOldFinishedActions(t *testing.T) {
	store := storemem.New()
	coord := coordmem.New(coordmem.NewBackend())
	defer coord.Close()

	now := time.Now().UTC()
	old := finishedAction(t, store, "shop-db", "backup", now.Add(-30*24*time.Hour))
	recent := finishedAction(t, store, "shop-db", "restart", now.Add(-time.Hour))

	// Unfinished actions are never expired regardless of age.
	running := action.New("shop-db", "node-a", "compact", "operator", json.RawMessage(`{}`))
	running.State = action.StateRunning
	if err := store.Create(context.Background(), running); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	j := janitor.New(coord, store, janitor.WithActionTTL(14*24*time.Hour))
	j.RunOnce(context.Background())

	if _, err := store.Get(context.Background(), "shop-db", old.ID); err == nil {
		t.Fatal("expected expired action to be deleted")
	}
	if _, err := store.Get(context.Background(), "shop-db", recent.ID); err != nil {
		t.Fatalf("recent action should survive, got %v", err)
	}
	if _, err := store.Get(context.Background(), "shop-db", running.ID); err != nil {
		t.Fatalf("running action should survive, got %v", err)
	}
}

func TestRunOnceBatchLimitBoundsDeletes(t *testing.T) {
	store := storemem.New()
	coord := coordmem.New(coordmem.NewBackend())
	defer coord.Close()

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	for range 5 {
		finishedAction(t, store, "shop-db", "backup", cutoff)
	}

	j := janitor.New(coord, store,
		janitor.WithActionTTL(14*24*time.Hour),
		janitor.WithBatchLimit(2),
	)
	j.RunOnce(context.Background())

	remaining, err := store.ListFinishedBefore(context.Background(), time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("ListFinishedBefore() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("remaining finished actions = %d, want 3", len(remaining))
	}

	// A second pass takes the next batch.
	j.RunOnce(context.Background())
	remaining, err = store.ListFinishedBefore(context.Background(), time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("ListFinishedBefore() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("remaining finished actions = %d, want 1", len(remaining))
	}
}

func TestRunOnceZeroTTLDisablesExpiry(t *testing.T) {
	store := storemem.New()
	coord := coordmem.New(coordmem.NewBackend())
	defer coord.Close()

	old := finishedAction(t, store, "shop-db", "backup", time.Now().UTC().Add(-365*24*time.Hour))

	j := janitor.New(coord, store, janitor.WithActionTTL(0))
	j.RunOnce(context.Background())

	if _, err := store.Get(context.Background(), "shop-db", old.ID); err != nil {
		t.Fatalf("action should survive with expiry disabled, got %v", err)
	}
}

func TestOnlyPrimaryRunsCleanup(t *testing.T) {
	backend := coordmem.NewBackend()
	primary := coordmem.New(backend,
		coordmem.WithLeaseTTL(time.Second),
		coordmem.WithTickInterval(5*time.Millisecond),
	)
	defer primary.Close()
	secondary := coordmem.New(backend,
		coordmem.WithLeaseTTL(time.Second),
		coordmem.WithTickInterval(5*time.Millisecond),
	)
	defer secondary.Close()

	store := storemem.New()
	old := finishedAction(t, store, "shop-db", "backup", time.Now().UTC().Add(-30*24*time.Hour))

	first := janitor.New(primary, store,
		janitor.WithInterval(10*time.Millisecond),
		janitor.WithActionTTL(14*24*time.Hour),
	)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop(context.Background())

	second := janitor.New(secondary, store,
		janitor.WithInterval(10*time.Millisecond),
		janitor.WithActionTTL(14*24*time.Hour),
	)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer second.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(context.Background(), "shop-db", old.ID); err != nil {
			return // expired by whichever janitor won the election
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("finished action was never expired")
}
