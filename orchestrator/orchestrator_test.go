package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/agent"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/id"
	"github.com/replicante-io/replicore/scheduler"
	storemem "github.com/replicante-io/replicore/store/memory"
)

// ── agent stubs ──

type stubClient struct {
	mu       sync.Mutex
	info     *agent.Info
	shards   *agent.Shards
	fetchErr error

	queued    []agent.ActionListItem
	finished  []agent.ActionListItem
	infos     map[string]*agent.ActionRecord
	scheduled []string
}

var _ agent.Client = (*stubClient)(nil)

func newStubClient(nodeID string, shardIDs ...string) *stubClient {
	info := &agent.Info{}
	info.Agent.Version.Number = "1.0.0"
	info.Datastore.ID = nodeID
	info.Datastore.Kind = "mongodb"

	shards := &agent.Shards{}
	for _, shardID := range shardIDs {
		shards.Shards = append(shards.Shards, agent.ShardInfo{ID: shardID, Role: "primary"})
	}
	return &stubClient{info: info, shards: shards, infos: make(map[string]*agent.ActionRecord)}
}

func (c *stubClient) Info(_ context.Context) (*agent.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.info, nil
}

func (c *stubClient) Shards(_ context.Context) (*agent.Shards, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.shards, nil
}

func (c *stubClient) ActionQueue(_ context.Context) ([]agent.ActionListItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued, nil
}

func (c *stubClient) ActionsFinished(_ context.Context) ([]agent.ActionListItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished, nil
}

func (c *stubClient) ActionInfo(_ context.Context, actionID string) (*agent.ActionRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.infos[actionID]
	if !ok {
		return nil, replicore.ErrActionNotFound
	}
	return record, nil
}

func (c *stubClient) ScheduleAction(_ context.Context, _ string, a *agent.ActionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled = append(c.scheduled, a.ID)
	return nil
}

func (c *stubClient) setFetchErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

func (c *stubClient) scheduledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.scheduled...)
}

type stubClients struct {
	byAddress map[string]*stubClient
}

func (s *stubClients) Client(address string) agent.Client {
	return s.byAddress[address]
}

// ── coordinator stubs ──

// scriptedLock fails its liveness check after a set number of calls,
// simulating lease expiry mid-cycle. failAfter < 0 never fails.
type scriptedLock struct {
	resource  string
	failAfter int

	mu       sync.Mutex
	checks   int
	released bool
}

func (l *scriptedLock) Resource() string { return l.resource }

func (l *scriptedLock) Check(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.failAfter >= 0 && l.checks > l.failAfter {
		return replicore.ErrLockLost
	}
	return nil
}

func (l *scriptedLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return replicore.ErrLockReleased
	}
	l.released = true
	return nil
}

type stubCoordinator struct {
	processID id.ProcessID
	held      bool
	failAfter int
}

func newStubCoordinator() *stubCoordinator {
	return &stubCoordinator{processID: id.NewProcessID(), failAfter: -1}
}

func (c *stubCoordinator) ProcessID() id.ProcessID { return c.processID }

func (c *stubCoordinator) Elect(_ context.Context, _ string) (coordinator.ElectionHandle, error) {
	return nil, errors.New("elections not used in these tests")
}

func (c *stubCoordinator) TryLock(_ context.Context, resource string) (coordinator.LockHandle, error) {
	if c.held {
		return nil, replicore.ErrLockHeld
	}
	return &scriptedLock{resource: resource, failAfter: c.failAfter}, nil
}

func (c *stubCoordinator) PurgeStale(_ context.Context, _ int) (int, error) { return 0, nil }
func (c *stubCoordinator) Close() error                                    { return nil }

// ── fixtures ──

const testCluster = "shop-db"

func addr(nodeID string) string { return "https://" + nodeID + ":16544" }

func setup(t *testing.T, nodeIDs ...string) (*Orchestrator, *storemem.Store, *stubClients, *events.Recorder, *stubCoordinator) {
	t.Helper()
	store := storemem.New()
	clients := &stubClients{byAddress: make(map[string]*stubClient)}
	record := &fleet.DiscoveryRecord{
		Entity:    replicore.NewEntity(),
		ClusterID: testCluster,
	}
	for _, nodeID := range nodeIDs {
		record.NodeAddresses = append(record.NodeAddresses, addr(nodeID))
		clients.byAddress[addr(nodeID)] = newStubClient(nodeID, "shard-1")
	}
	if err := store.PutDiscovery(context.Background(), record); err != nil {
		t.Fatalf("PutDiscovery() error = %v", err)
	}

	recorder := events.NewRecorder()
	coord := newStubCoordinator()
	orch := New(coord, store, store, clients, recorder, WithSnapshotFrequency(0))
	return orch, store, clients, recorder, coord
}

func handle(t *testing.T, orch *Orchestrator) error {
	t.Helper()
	payload, err := scheduler.EncodePayload(testCluster)
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	return orch.Handle(context.Background(), payload)
}

func mustHandle(t *testing.T, orch *Orchestrator) {
	t.Helper()
	if err := handle(t, orch); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

// ── refresh cycle ──

func TestRefreshBuildsViewAndIncrementsGeneration(t *testing.T) {
	orch, store, _, recorder, _ := setup(t, "node-1", "node-2")
	mustHandle(t, orch)

	view, err := store.GetView(context.Background(), testCluster)
	if err != nil {
		t.Fatalf("GetView() error = %v", err)
	}
	if view.Generation != 1 {
		t.Fatalf("generation = %d, want 1", view.Generation)
	}
	if len(view.Nodes) != 2 {
		t.Fatalf("view has %d nodes, want 2", len(view.Nodes))
	}
	if len(view.Shards["shard-1"]) != 2 {
		t.Fatalf("shard-1 allocated on %d nodes, want 2", len(view.Shards["shard-1"]))
	}

	codes := recorder.Codes(testCluster)
	if len(codes) == 0 || codes[0] != events.CodeNodeNew {
		t.Fatalf("first cycle events = %v, want NODE_NEW first", codes)
	}

	mustHandle(t, orch)
	view, err = store.GetView(context.Background(), testCluster)
	if err != nil {
		t.Fatalf("GetView() error = %v", err)
	}
	if view.Generation != 2 {
		t.Fatalf("generation after second cycle = %d, want 2", view.Generation)
	}
}

func TestPartialNodeFailureIsIsolated(t *testing.T) {
	orch, store, clients, recorder, _ := setup(t, "node-1", "node-2", "node-3")
	mustHandle(t, orch)
	before := len(recorder.Codes(testCluster))

	clients.byAddress[addr("node-2")].setFetchErr(errors.New("i/o timeout"))
	mustHandle(t, orch)

	view, err := store.GetView(context.Background(), testCluster)
	if err != nil {
		t.Fatalf("GetView() error = %v", err)
	}
	if view.Generation != 2 {
		t.Fatalf("generation = %d, want 2: one bad node must not fail the cycle", view.Generation)
	}

	// Fresh state for nodes 1 and 3, error-flagged stale state for node 2.
	for _, nodeID := range []string{"node-1", "node-3"} {
		node := view.Node(nodeID)
		if node == nil || !node.Up() {
			t.Fatalf("node %s not refreshed cleanly: %+v", nodeID, node)
		}
	}
	down := view.Node("node-2")
	if down == nil || down.Up() {
		t.Fatalf("node-2 state = %+v, want fetch error recorded", down)
	}
	if len(down.Shards) == 0 {
		t.Fatal("node-2 lost its stale shard state on fetch failure")
	}

	// NODE_DOWN for node-2 only, since it was previously up.
	var downs []string
	for _, e := range recorder.Events(testCluster)[before:] {
		if e.Code == events.CodeNodeDown {
			downs = append(downs, string(e.Payload))
		}
	}
	if len(downs) != 1 {
		t.Fatalf("NODE_DOWN events = %v, want exactly one for node-2", downs)
	}
}

func TestNodeRecoveryEmitsNodeUp(t *testing.T) {
	orch, _, clients, recorder, _ := setup(t, "node-1")
	mustHandle(t, orch)

	clients.byAddress[addr("node-1")].setFetchErr(errors.New("connection refused"))
	mustHandle(t, orch)
	clients.byAddress[addr("node-1")].setFetchErr(nil)
	mustHandle(t, orch)

	var saw []events.Code
	for _, e := range recorder.Events(testCluster) {
		if e.Code == events.CodeNodeDown || e.Code == events.CodeNodeUp {
			saw = append(saw, e.Code)
		}
	}
	want := []events.Code{events.CodeNodeDown, events.CodeNodeUp}
	if len(saw) != len(want) || saw[0] != want[0] || saw[1] != want[1] {
		t.Fatalf("reachability events = %v, want %v", saw, want)
	}
}

func TestLockHeldElsewhereSkips(t *testing.T) {
	orch, store, _, _, coord := setup(t, "node-1")
	coord.held = true

	err := handle(t, orch)
	if !errors.Is(err, replicore.ErrSkipTask) {
		t.Fatalf("Handle() error = %v, want ErrSkipTask", err)
	}
	if _, err := store.GetView(context.Background(), testCluster); !errors.Is(err, replicore.ErrViewNotFound) {
		t.Fatal("refresh ran despite the lock being held elsewhere")
	}
}

func TestLockLossAbortsWithoutPersisting(t *testing.T) {
	orch, store, _, recorder, coord := setup(t, "node-1", "node-2", "node-3")

	// First check passes (node 1 fetched), the second fails: the cycle
	// must abort with nothing persisted and nothing emitted.
	coord.failAfter = 1

	err := handle(t, orch)
	if !errors.Is(err, replicore.ErrSkipTask) {
		t.Fatalf("Handle() error = %v, want ErrSkipTask", err)
	}
	if _, err := store.GetView(context.Background(), testCluster); !errors.Is(err, replicore.ErrViewNotFound) {
		t.Fatal("partial view persisted after lock loss")
	}
	states, err := store.ListNodeStates(context.Background(), testCluster)
	if err != nil {
		t.Fatalf("ListNodeStates() error = %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("%d node states persisted after lock loss, want 0", len(states))
	}
	if codes := recorder.Codes(testCluster); len(codes) != 0 {
		t.Fatalf("events emitted after lock loss: %v", codes)
	}
}

// ── action sync ──

func TestPendingActionsArePushed(t *testing.T) {
	orch, store, clients, _, _ := setup(t, "node-1")
	ctx := context.Background()

	a := action.New(testCluster, "node-1", "restart", "operator", nil)
	if _, err := a.Transition(action.StatePendingSchedule, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	mustHandle(t, orch)

	scheduled := clients.byAddress[addr("node-1")].scheduledIDs()
	if len(scheduled) != 1 || scheduled[0] != a.ID {
		t.Fatalf("scheduled = %v, want [%s]", scheduled, a.ID)
	}
	got, err := store.Get(ctx, testCluster, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != action.StateNew {
		t.Fatalf("post-push state = %s, want NEW", got.State)
	}
}

func TestAgentReportWinsOnConflict(t *testing.T) {
	orch, store, clients, _, _ := setup(t, "node-1")
	ctx := context.Background()

	a := action.New(testCluster, "node-1", "restart", "operator", nil)
	a.State = action.StateRunning
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	client := clients.byAddress[addr("node-1")]
	client.finished = []agent.ActionListItem{{ID: a.ID, Kind: "restart", State: "DONE"}}
	client.infos[a.ID] = &agent.ActionRecord{ID: a.ID, Kind: "restart", State: "DONE"}

	mustHandle(t, orch)

	got, err := store.Get(ctx, testCluster, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != action.StateDone {
		t.Fatalf("post-sync state = %s, want DONE: the agent's report wins", got.State)
	}
	if got.Finished == nil {
		t.Fatal("terminal mirror did not set Finished")
	}

	history, err := store.ListTransitions(ctx, testCluster, a.ID)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	last := history[len(history)-1]
	if last.From != action.StateRunning || last.To != action.StateDone {
		t.Fatalf("last transition = %s -> %s, want RUNNING -> DONE", last.From, last.To)
	}
}

func TestUnknownActionsAreMarkedLost(t *testing.T) {
	orch, store, _, _, _ := setup(t, "node-1")
	ctx := context.Background()

	a := action.New(testCluster, "node-1", "restart", "operator", nil)
	a.State = action.StateRunning
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// The agent reports nothing and has no record of the action.

	mustHandle(t, orch)

	got, err := store.Get(ctx, testCluster, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != action.StateLost {
		t.Fatalf("state = %s, want LOST", got.State)
	}
}

func TestAgentOriginatedActionsAreAdopted(t *testing.T) {
	orch, store, clients, _, _ := setup(t, "node-1")
	ctx := context.Background()

	client := clients.byAddress[addr("node-1")]
	client.queued = []agent.ActionListItem{{ID: "act_agent_made", Kind: "compact", State: "RUNNING"}}
	client.infos["act_agent_made"] = &agent.ActionRecord{ID: "act_agent_made", Kind: "compact", State: "RUNNING"}

	mustHandle(t, orch)

	got, err := store.Get(ctx, testCluster, "act_agent_made")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != action.StateRunning || got.Requester != "agent" {
		t.Fatalf("adopted action = %+v, want RUNNING with requester agent", got)
	}
}

func TestSyncSkipsUnreachableNodes(t *testing.T) {
	orch, store, clients, _, _ := setup(t, "node-1")
	ctx := context.Background()
	mustHandle(t, orch)

	a := action.New(testCluster, "node-1", "restart", "operator", nil)
	a.State = action.StateRunning
	if err := store.Create(ctx, a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The node goes down; the action must not be marked LOST just
	// because its agent could not be asked.
	clients.byAddress[addr("node-1")].setFetchErr(errors.New("i/o timeout"))
	mustHandle(t, orch)

	got, err := store.Get(ctx, testCluster, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != action.StateRunning {
		t.Fatalf("state = %s, want RUNNING untouched while the node is down", got.State)
	}
}

func TestUndiscoveredClusterSkips(t *testing.T) {
	orch, _, _, _, _ := setup(t, "node-1")
	payload, err := scheduler.EncodePayload("ghost-cluster")
	if err != nil {
		t.Fatalf("EncodePayload() error = %v", err)
	}
	if err := orch.Handle(context.Background(), payload); !errors.Is(err, replicore.ErrSkipTask) {
		t.Fatalf("Handle() error = %v, want ErrSkipTask", err)
	}
}

func TestSnapshotEventsEveryNthGeneration(t *testing.T) {
	_, store, clients, recorder, coord := setup(t, "node-1")
	orch := New(coord, store, store, clients, recorder, WithSnapshotFrequency(2))

	mustHandle(t, orch) // generation 1: no snapshot
	mustHandle(t, orch) // generation 2: snapshot

	var snapshots int
	for _, e := range recorder.Events(testCluster) {
		switch e.Code {
		case events.CodeSnapshotDiscovery, events.CodeSnapshotNode, events.CodeSnapshotShard:
			snapshots++
		}
	}
	// One discovery + one node + one shard snapshot at generation 2.
	if snapshots != 3 {
		t.Fatalf("snapshot events = %d, want 3", snapshots)
	}
}
