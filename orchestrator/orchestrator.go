// Package orchestrator implements the cluster refresh engine: under a
// per-cluster lock it fetches node state from agents, rebuilds the
// aggregated view, diffs it against the last persisted one, emits
// ordered events and synchronizes action state.
//
// Refresh is built for partial failure. One unreachable node never
// aborts the cycle; its error is recorded on the node's state and the
// rest of the cluster refreshes normally. Losing the cluster lock does
// abort the cycle — nothing partially built is ever persisted, and the
// next scheduled cycle retries from the last persisted view.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/agent"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/scheduler"
)

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNodeTimeout bounds each agent call. Defaults to 10s.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.nodeTimeout = d }
}

// WithSnapshotFrequency emits full-state snapshot events every n
// generations. Defaults to 60; zero disables snapshots.
func WithSnapshotFrequency(n int64) Option {
	return func(o *Orchestrator) { o.snapshotFrequency = n }
}

// WithHooks sets the extension registry notified of lifecycle events.
func WithHooks(registry *hooks.Registry) Option {
	return func(o *Orchestrator) { o.hooks = registry }
}

// Orchestrator processes orchestrate tasks. One refresh cycle runs per
// cluster at a time across all processes, enforced by the coordinator
// lock, never by in-process synchronization.
type Orchestrator struct {
	coord   coordinator.Coordinator
	store   fleet.Store
	actions action.Store
	clients agent.Clients
	emitter events.Emitter
	hooks   *hooks.Registry
	logger  *slog.Logger

	nodeTimeout       time.Duration
	snapshotFrequency int64
}

// New creates the refresh engine.
func New(
	coord coordinator.Coordinator,
	store fleet.Store,
	actions action.Store,
	clients agent.Clients,
	emitter events.Emitter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		coord:             coord,
		store:             store,
		actions:           actions,
		clients:           clients,
		emitter:           emitter,
		logger:            slog.Default(),
		nodeTimeout:       10 * time.Second,
		snapshotFrequency: 60,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LockResource returns the coordinator resource guarding a cluster's
// refresh cycles.
func LockResource(clusterID string) string { return "cluster:" + clusterID }

// Handle processes one orchestrate task: the full locked refresh cycle
// for one cluster.
func (o *Orchestrator) Handle(ctx context.Context, payload []byte) error {
	p, err := scheduler.DecodePayload(payload)
	if err != nil {
		return err
	}
	clusterID := p.ClusterID

	lock, err := o.coord.TryLock(ctx, LockResource(clusterID))
	if errors.Is(err, replicore.ErrLockHeld) {
		// Another process is refreshing this cluster. Skip instead of
		// queueing a redundant refresh; the next scheduled cycle retries.
		return fmt.Errorf("cluster %s locked elsewhere: %w", clusterID, replicore.ErrSkipTask)
	}
	if err != nil {
		return fmt.Errorf("replicore/orchestrator: lock %s: %w", clusterID, err)
	}
	defer func() {
		if relErr := lock.Release(context.Background()); relErr != nil && !errors.Is(relErr, replicore.ErrLockReleased) {
			o.logger.Warn("cluster lock release error",
				slog.String("cluster_id", clusterID),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	started := time.Now()
	generation, err := o.refresh(ctx, clusterID, lock)
	if err != nil {
		if errors.Is(err, replicore.ErrLockLost) {
			// An incomplete cycle, not a cluster failure. Nothing partial
			// was persisted; the previous view stays authoritative.
			o.logger.Warn("refresh aborted on lock loss",
				slog.String("cluster_id", clusterID),
			)
			if o.hooks != nil {
				o.hooks.EmitCycleAborted(ctx, clusterID, err)
			}
			return fmt.Errorf("cluster %s: %w", clusterID, replicore.ErrSkipTask)
		}
		return err
	}

	if o.hooks != nil {
		o.hooks.EmitCycleCompleted(ctx, clusterID, generation, time.Since(started))
	}
	return nil
}

// refresh runs steps 2-7 of the cycle under the held lock and returns
// the persisted generation.
func (o *Orchestrator) refresh(ctx context.Context, clusterID string, lock coordinator.LockHandle) (int64, error) {
	record, err := o.store.GetDiscovery(ctx, clusterID)
	if errors.Is(err, replicore.ErrDiscoveryNotFound) {
		return 0, fmt.Errorf("cluster %s never discovered: %w", clusterID, replicore.ErrSkipTask)
	}
	if err != nil {
		return 0, fmt.Errorf("replicore/orchestrator: load discovery %s: %w", clusterID, err)
	}

	prev, err := o.store.GetView(ctx, clusterID)
	if errors.Is(err, replicore.ErrViewNotFound) {
		prev = nil
	} else if err != nil {
		return 0, fmt.Errorf("replicore/orchestrator: load view %s: %w", clusterID, err)
	}

	// Fetch every node independently; one failure never aborts the rest.
	nodes := make(map[string]*fleet.NodeState, len(record.NodeAddresses))
	for _, address := range record.NodeAddresses {
		if err := lock.Check(ctx); err != nil {
			return 0, err
		}
		state := o.fetchNode(ctx, clusterID, address, prev)
		nodes[state.NodeID] = state
	}

	next := o.buildView(record, prev, nodes)

	changes, err := diff(prev, next)
	if err != nil {
		return 0, fmt.Errorf("replicore/orchestrator: diff %s: %w", clusterID, err)
	}

	// Last checkpoint before any write: a lost lock means another
	// process may already be refreshing, so neither events nor state may
	// leave this process.
	if err := lock.Check(ctx); err != nil {
		return 0, err
	}

	for _, event := range changes {
		if err := o.emitEvent(ctx, event); err != nil {
			return 0, err
		}
	}

	// Persist nodes individually, then the view. Not transactional: a
	// crash here leaves node state ahead of the view and the next
	// cycle's diff against the stale generation self-corrects.
	for _, nodeID := range sortedNodeIDs(next.Nodes) {
		if err := o.store.PutNodeState(ctx, next.Nodes[nodeID]); err != nil {
			return 0, fmt.Errorf("replicore/orchestrator: put node %s/%s: %w", clusterID, nodeID, err)
		}
	}
	if err := o.store.PutView(ctx, next); err != nil {
		return 0, fmt.Errorf("replicore/orchestrator: put view %s: %w", clusterID, err)
	}

	if o.snapshotFrequency > 0 && next.Generation%o.snapshotFrequency == 0 {
		if err := o.snapshot(ctx, record, next); err != nil {
			return 0, err
		}
	}

	// Step 7: per-node action sync, same locked cycle, reachable nodes
	// only.
	for _, nodeID := range sortedNodeIDs(next.Nodes) {
		node := next.Nodes[nodeID]
		if !node.Up() {
			continue
		}
		if err := lock.Check(ctx); err != nil {
			return 0, err
		}
		if err := o.syncActions(ctx, node); err != nil {
			o.logger.Error("action sync error",
				slog.String("cluster_id", clusterID),
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Info("cluster refreshed",
		slog.String("cluster_id", clusterID),
		slog.Int64("generation", next.Generation),
		slog.Int("nodes", len(next.Nodes)),
	)
	return next.Generation, nil
}

// fetchNode contacts one agent, bounded by the node timeout. Failures
// produce a state carrying the prior cycle's attributes flagged with
// the fetch error.
func (o *Orchestrator) fetchNode(ctx context.Context, clusterID, address string, prev *fleet.ClusterView) *fleet.NodeState {
	fetchCtx, cancel := context.WithTimeout(ctx, o.nodeTimeout)
	defer cancel()

	client := o.clients.Client(address)
	now := time.Now().UTC()

	info, err := client.Info(fetchCtx)
	if err != nil {
		return o.staleNode(clusterID, address, prev, now, err)
	}
	shards, err := client.Shards(fetchCtx)
	if err != nil {
		return o.staleNode(clusterID, address, prev, now, err)
	}

	state := &fleet.NodeState{
		Entity:    replicore.NewEntity(),
		ClusterID: clusterID,
		NodeID:    info.Datastore.ID,
		Address:   address,
		AgentInfo: info.AgentInfo(),
		LastFetch: now,
	}
	if state.NodeID == "" {
		state.NodeID = address
	}
	for _, shard := range shards.Shards {
		state.Shards = append(state.Shards, shard.ShardState())
	}
	return state
}

// staleNode flags a fetch failure on top of the node's previous state.
// The node ID comes from the prior view when the agent could not report
// it; a node never seen before is keyed by its address.
func (o *Orchestrator) staleNode(clusterID, address string, prev *fleet.ClusterView, now time.Time, fetchErr error) *fleet.NodeState {
	state := &fleet.NodeState{
		Entity:    replicore.NewEntity(),
		ClusterID: clusterID,
		NodeID:    address,
		Address:   address,
	}
	if prev != nil {
		for _, before := range prev.Nodes {
			if before.Address != address {
				continue
			}
			state.NodeID = before.NodeID
			state.AgentInfo = before.AgentInfo
			state.Shards = append([]fleet.ShardState(nil), before.Shards...)
			break
		}
	}
	state.LastFetch = now
	state.FetchError = fetchErr.Error()
	return state
}

// buildView assembles the next view at the next generation from the
// per-node states of this cycle. Only nodes in the current discovery
// record appear; members the record no longer lists drop out of the
// view, while unreachable members keep the stale state staleNode
// carried forward for them.
func (o *Orchestrator) buildView(record *fleet.DiscoveryRecord, prev *fleet.ClusterView, nodes map[string]*fleet.NodeState) *fleet.ClusterView {
	next := fleet.NewClusterView(record.ClusterID)
	next.DisplayName = record.DisplayName
	if prev != nil {
		next.Generation = prev.Generation + 1
	} else {
		next.Generation = 1
	}
	for nodeID, state := range nodes {
		next.Nodes[nodeID] = state
	}
	next.Shards = fleet.AggregateShards(next.Nodes)
	return next
}

func (o *Orchestrator) emit(ctx context.Context, code events.Code, clusterID string, payload interface{}) error {
	event, err := events.New(code, clusterID, payload)
	if err != nil {
		return err
	}
	return o.emitEvent(ctx, event)
}

func (o *Orchestrator) emitEvent(ctx context.Context, event *events.Event) error {
	if err := o.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("replicore/orchestrator: emit %s: %w", event.Code, err)
	}
	if o.hooks != nil {
		o.hooks.EmitEventEmitted(ctx, event)
	}
	return nil
}
