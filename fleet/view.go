package fleet

import (
	"sort"

	"github.com/replicante-io/replicore"
)

// ShardAllocation records that a node hosts a shard in a given role.
type ShardAllocation struct {
	NodeID string    `json:"node_id"`
	Role   ShardRole `json:"role"`
	Lag    *int64    `json:"lag,omitempty"`
}

// ClusterView is the aggregated, approximate snapshot of a cluster.
// It is rebuilt and replaced wholesale at the end of each successful
// orchestrate cycle, never partially overwritten, and its generation
// grows monotonically with each successful refresh. The view is best
// effort as of its generation, never a consistent point-in-time state.
type ClusterView struct {
	replicore.Entity

	ClusterID   string `json:"cluster_id"`
	DisplayName string `json:"display_name,omitempty"`
	Generation  int64  `json:"generation"`

	Nodes  map[string]*NodeState        `json:"nodes"`
	Shards map[string][]ShardAllocation `json:"shards"`
}

// NewClusterView returns an empty view at generation zero.
func NewClusterView(clusterID string) *ClusterView {
	return &ClusterView{
		Entity:    replicore.NewEntity(),
		ClusterID: clusterID,
		Nodes:     make(map[string]*NodeState),
		Shards:    make(map[string][]ShardAllocation),
	}
}

// Node returns the state of a node in the view, or nil if unknown.
func (v *ClusterView) Node(nodeID string) *NodeState {
	if v == nil {
		return nil
	}
	return v.Nodes[nodeID]
}

// AggregateShards rebuilds the shard allocation map from the per-node
// shard reports. Allocations for each shard are sorted by node so the
// map is deterministic regardless of node iteration order.
func AggregateShards(nodes map[string]*NodeState) map[string][]ShardAllocation {
	shards := make(map[string][]ShardAllocation)
	for _, node := range nodes {
		for _, shard := range node.Shards {
			shards[shard.ID] = append(shards[shard.ID], ShardAllocation{
				NodeID: node.NodeID,
				Role:   shard.Role,
				Lag:    shard.Lag,
			})
		}
	}
	for id := range shards {
		allocs := shards[id]
		sort.Slice(allocs, func(i, j int) bool { return allocs[i].NodeID < allocs[j].NodeID })
		shards[id] = allocs
	}
	return shards
}
