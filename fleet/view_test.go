package fleet

import (
	"testing"
)

func int64p(v int64) *int64 { return &v }

func TestAggregateShardsGroupsByShard(t *testing.T) {
	nodes := map[string]*NodeState{
		"node-b": {
			NodeID: "node-b",
			Shards: []ShardState{
				{ID: "shard-1", Role: ShardRoleSecondary, Lag: int64p(12)},
				{ID: "shard-2", Role: ShardRolePrimary},
			},
		},
		"node-a": {
			NodeID: "node-a",
			Shards: []ShardState{
				{ID: "shard-1", Role: ShardRolePrimary},
			},
		},
	}

	shards := AggregateShards(nodes)
	if len(shards) != 2 {
		t.Fatalf("aggregated %d shards, want 2", len(shards))
	}

	allocs := shards["shard-1"]
	if len(allocs) != 2 {
		t.Fatalf("shard-1 has %d allocations, want 2", len(allocs))
	}
	// Deterministic order by node ID.
	if allocs[0].NodeID != "node-a" || allocs[1].NodeID != "node-b" {
		t.Fatalf("shard-1 allocations out of order: %s, %s", allocs[0].NodeID, allocs[1].NodeID)
	}
	if allocs[0].Role != ShardRolePrimary {
		t.Fatalf("node-a role = %s, want primary", allocs[0].Role)
	}
	if allocs[1].Lag == nil || *allocs[1].Lag != 12 {
		t.Fatal("node-b lag not carried into the allocation")
	}
}

func TestNodeUpTracksFetchError(t *testing.T) {
	node := &NodeState{NodeID: "node-1"}
	if !node.Up() {
		t.Fatal("node with no fetch error reported as down")
	}
	node.FetchError = "connection refused"
	if node.Up() {
		t.Fatal("node with a fetch error reported as up")
	}
}
