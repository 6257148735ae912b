package orchestrator

import (
	"context"
	"sort"

	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
)

// snapshot emits full-state events for the cluster regardless of what
// changed, so downstream consumers can self-heal from missed
// incremental events. Called every snapshotFrequency generations, not
// on every cycle.
func (o *Orchestrator) snapshot(ctx context.Context, record *fleet.DiscoveryRecord, view *fleet.ClusterView) error {
	if err := o.emit(ctx, events.CodeSnapshotDiscovery, view.ClusterID, record); err != nil {
		return err
	}

	for _, nodeID := range sortedNodeIDs(view.Nodes) {
		if err := o.emit(ctx, events.CodeSnapshotNode, view.ClusterID, view.Nodes[nodeID]); err != nil {
			return err
		}
	}

	shardIDs := make([]string, 0, len(view.Shards))
	for shardID := range view.Shards {
		shardIDs = append(shardIDs, shardID)
	}
	sort.Strings(shardIDs)
	for _, shardID := range shardIDs {
		payload := shardPayload{
			ClusterID:   view.ClusterID,
			ShardID:     shardID,
			Allocations: view.Shards[shardID],
		}
		if err := o.emit(ctx, events.CodeSnapshotShard, view.ClusterID, payload); err != nil {
			return err
		}
	}
	return nil
}
