package fleet

import (
	"context"
	"time"
)

// Store is the capability interface over fleet persistence. One
// implementation exists per backend (memory, redis, bun); core logic
// depends only on this interface.
//
// Node states are written individually and the aggregated view is
// written wholesale afterwards; the store is not required to make the
// two transactional. A crash between the writes leaves node state ahead
// of the view, which the next refresh cycle's diff self-corrects.
type Store interface {
	// GetDiscovery loads the discovery record for a cluster. Returns
	// replicore.ErrDiscoveryNotFound if the cluster was never
	// discovered.
	GetDiscovery(ctx context.Context, clusterID string) (*DiscoveryRecord, error)

	// PutDiscovery writes a discovery record wholesale.
	PutDiscovery(ctx context.Context, record *DiscoveryRecord) error

	// ListDueDiscoveries returns records whose NextSchedule is at or
	// before now.
	ListDueDiscoveries(ctx context.Context, now time.Time) ([]*DiscoveryRecord, error)

	// AdvanceDiscovery moves a record's NextSchedule forward. Called by
	// the scheduler before the enqueued task executes.
	AdvanceDiscovery(ctx context.Context, clusterID string, next time.Time) error

	// GetSpec loads the orchestration record for a cluster. Returns
	// replicore.ErrSpecNotFound if unknown.
	GetSpec(ctx context.Context, clusterID string) (*ClusterSpec, error)

	// PutSpec writes a cluster spec wholesale.
	PutSpec(ctx context.Context, spec *ClusterSpec) error

	// ListDueRefreshes returns enabled specs whose NextRefresh is at or
	// before now.
	ListDueRefreshes(ctx context.Context, now time.Time) ([]*ClusterSpec, error)

	// AdvanceRefresh moves a spec's NextRefresh forward. Called by the
	// scheduler before the enqueued task executes.
	AdvanceRefresh(ctx context.Context, clusterID string, next time.Time) error

	// GetNodeState loads one node's state. Returns
	// replicore.ErrNodeNotFound if unknown.
	GetNodeState(ctx context.Context, clusterID, nodeID string) (*NodeState, error)

	// PutNodeState writes one node's state. Each node is persisted
	// individually, not as part of a view-level transaction.
	PutNodeState(ctx context.Context, state *NodeState) error

	// ListNodeStates returns all node states for a cluster.
	ListNodeStates(ctx context.Context, clusterID string) ([]*NodeState, error)

	// GetView loads the last persisted view of a cluster. Returns
	// replicore.ErrViewNotFound if the cluster was never refreshed.
	GetView(ctx context.Context, clusterID string) (*ClusterView, error)

	// PutView replaces the persisted view wholesale.
	PutView(ctx context.Context, view *ClusterView) error
}
