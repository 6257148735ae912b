package fleet

import (
	"time"

	"github.com/replicante-io/replicore"
)

// AgentInfo describes the sidecar agent and the datastore it fronts.
type AgentInfo struct {
	Version          string `json:"version"`
	Checkout         string `json:"checkout,omitempty"`
	Taint            string `json:"taint,omitempty"`
	DatastoreKind    string `json:"datastore_kind,omitempty"`
	DatastoreVersion string `json:"datastore_version,omitempty"`
}

// ShardRole is a shard's role on a specific node.
type ShardRole string

const (
	ShardRolePrimary   ShardRole = "primary"
	ShardRoleSecondary ShardRole = "secondary"
	ShardRoleUnknown   ShardRole = "unknown"
)

// ShardState is the state of one shard on one node as reported by the
// node's agent. Lag and CommitOffset are pointers because not every
// datastore reports them.
type ShardState struct {
	ID           string    `json:"id"`
	Role         ShardRole `json:"role"`
	Lag          *int64    `json:"lag,omitempty"`
	CommitOffset *int64    `json:"commit_offset,omitempty"`
	LastOp       *int64    `json:"last_op,omitempty"`
}

// NodeState is the control plane's record of a single node, refreshed
// by the orchestrator under the cluster's lock. One record exists per
// (cluster, node) pair.
type NodeState struct {
	replicore.Entity

	ClusterID string `json:"cluster_id"`
	NodeID    string `json:"node_id"`
	Address   string `json:"address,omitempty"`

	AgentInfo *AgentInfo   `json:"agent_info,omitempty"`
	Shards    []ShardState `json:"shards,omitempty"`

	// LastFetch is when the agent was last contacted, successfully or
	// not.
	LastFetch time.Time `json:"last_fetch"`

	// FetchError records why the last fetch failed. Empty when the node
	// was reachable.
	FetchError string `json:"fetch_error,omitempty"`
}

// Up reports whether the node was reachable at its last fetch.
func (n *NodeState) Up() bool {
	return n.FetchError == ""
}
