package orchestrator

import (
	"reflect"
	"sort"

	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
)

// nodePayload is the event payload for node-level changes.
type nodePayload struct {
	ClusterID string `json:"cluster_id"`
	NodeID    string `json:"node_id"`
	Error     string `json:"error,omitempty"`
}

// agentInfoPayload is the event payload for agent software changes.
type agentInfoPayload struct {
	ClusterID string           `json:"cluster_id"`
	NodeID    string           `json:"node_id"`
	Info      *fleet.AgentInfo `json:"info"`
}

// shardPayload is the event payload for shard allocation changes.
type shardPayload struct {
	ClusterID   string                  `json:"cluster_id"`
	ShardID     string                  `json:"shard_id"`
	Allocations []fleet.ShardAllocation `json:"allocations"`
}

// clusterPayload is the event payload for cluster metadata changes.
type clusterPayload struct {
	ClusterID   string `json:"cluster_id"`
	DisplayName string `json:"display_name,omitempty"`
	Generation  int64  `json:"generation"`
}

// diff compares the freshly built view against the last persisted one
// and returns the semantic-change events in a deterministic order:
// cluster metadata first, then nodes sorted by ID, then shards sorted
// by ID. prev is nil on a cluster's first refresh.
func diff(prev, next *fleet.ClusterView) ([]*events.Event, error) {
	var out []*events.Event
	emit := func(code events.Code, payload interface{}) error {
		e, err := events.New(code, next.ClusterID, payload)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}

	if prev != nil && prev.DisplayName != next.DisplayName {
		err := emit(events.CodeClusterChanged, clusterPayload{
			ClusterID:   next.ClusterID,
			DisplayName: next.DisplayName,
			Generation:  next.Generation,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, nodeID := range sortedNodeIDs(next.Nodes) {
		node := next.Nodes[nodeID]
		before := prev.Node(nodeID)
		if err := diffNode(emit, before, node); err != nil {
			return nil, err
		}
	}

	if err := diffShards(emit, prev, next); err != nil {
		return nil, err
	}
	return out, nil
}

// diffNode emits reachability and attribute events for one node.
func diffNode(emit func(events.Code, interface{}) error, before, node *fleet.NodeState) error {
	payload := nodePayload{
		ClusterID: node.ClusterID,
		NodeID:    node.NodeID,
		Error:     node.FetchError,
	}

	if before == nil {
		if err := emit(events.CodeNodeNew, payload); err != nil {
			return err
		}
		if node.AgentInfo != nil {
			return emit(events.CodeAgentInfoNew, agentInfoPayload{
				ClusterID: node.ClusterID,
				NodeID:    node.NodeID,
				Info:      node.AgentInfo,
			})
		}
		return nil
	}

	// Reachability transitions trump attribute changes: a node that just
	// went down reports its stale copied attributes, which must not leak
	// as NODE_CHANGED noise.
	switch {
	case before.Up() && !node.Up():
		return emit(events.CodeNodeDown, payload)
	case !before.Up() && node.Up():
		if err := emit(events.CodeNodeUp, payload); err != nil {
			return err
		}
	case !node.Up():
		// Still down; nothing new to say.
		return nil
	}

	if !reflect.DeepEqual(before.Shards, node.Shards) {
		if err := emit(events.CodeNodeChanged, payload); err != nil {
			return err
		}
	}
	if !reflect.DeepEqual(before.AgentInfo, node.AgentInfo) {
		code := events.CodeAgentInfoChanged
		if before.AgentInfo == nil {
			code = events.CodeAgentInfoNew
		}
		return emit(code, agentInfoPayload{
			ClusterID: node.ClusterID,
			NodeID:    node.NodeID,
			Info:      node.AgentInfo,
		})
	}
	return nil
}

// diffShards emits allocation events for shards that appeared or moved.
func diffShards(emit func(events.Code, interface{}) error, prev, next *fleet.ClusterView) error {
	shardIDs := make([]string, 0, len(next.Shards))
	for shardID := range next.Shards {
		shardIDs = append(shardIDs, shardID)
	}
	sort.Strings(shardIDs)

	for _, shardID := range shardIDs {
		allocs := next.Shards[shardID]
		var before []fleet.ShardAllocation
		if prev != nil {
			before = prev.Shards[shardID]
		}

		var code events.Code
		switch {
		case before == nil:
			code = events.CodeShardAllocationNew
		case !reflect.DeepEqual(before, allocs):
			code = events.CodeShardAllocationChanged
		default:
			continue
		}
		err := emit(code, shardPayload{
			ClusterID:   next.ClusterID,
			ShardID:     shardID,
			Allocations: allocs,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedNodeIDs(nodes map[string]*fleet.NodeState) []string {
	ids := make([]string, 0, len(nodes))
	for nodeID := range nodes {
		ids = append(ids, nodeID)
	}
	sort.Strings(ids)
	return ids
}
