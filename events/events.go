// Package events defines the append-only event trail the control plane
// produces: what changed in the fleet, in which cluster, in what order.
//
// Events sharing an ordering key are delivered in emission order; events
// with different keys carry no ordering guarantee. The ordering key is
// the cluster ID when the event concerns a cluster, or a fixed system
// key otherwise. Delivery is at-least-once; consumers are assumed
// idempotent.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/id"
)

// Code identifies what an event describes.
type Code string

const (
	// Node reachability and attributes.
	CodeNodeNew     Code = "NODE_NEW"
	CodeNodeChanged Code = "NODE_CHANGED"
	CodeNodeDown    Code = "NODE_DOWN"
	CodeNodeUp      Code = "NODE_UP"

	// Shard allocations.
	CodeShardAllocationNew     Code = "SHARD_ALLOCATION_NEW"
	CodeShardAllocationChanged Code = "SHARD_ALLOCATION_CHANGED"

	// Agent software on a node.
	CodeAgentInfoNew     Code = "AGENT_INFO_NEW"
	CodeAgentInfoChanged Code = "AGENT_INFO_CHANGED"

	// Cluster membership and metadata.
	CodeClusterNew     Code = "CLUSTER_NEW"
	CodeClusterChanged Code = "CLUSTER_CHANGED"

	// Action lifecycle.
	CodeActionChanged Code = "ACTION_CHANGED"

	// Periodic full-state snapshots, emitted regardless of diffs so
	// consumers can self-heal from missed incremental events.
	CodeSnapshotDiscovery Code = "SNAPSHOT_DISCOVERY"
	CodeSnapshotNode      Code = "SNAPSHOT_NODE"
	CodeSnapshotShard     Code = "SNAPSHOT_SHARD"
)

// SystemOrderingKey partitions events that concern no specific cluster.
const SystemOrderingKey = "system"

// Event is an immutable record of a fleet change. Once emitted it is
// never updated.
type Event struct {
	replicore.Entity

	ID        id.EventID      `json:"id"`
	Code      Code            `json:"code"`
	ClusterID string          `json:"cluster_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event, marshalling the payload to JSON. An empty
// clusterID marks a system-wide event.
func New(code Code, clusterID string, payload interface{}) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("replicore/events: marshal payload for %s: %w", code, err)
		}
		raw = data
	}
	return &Event{
		Entity:    replicore.NewEntity(),
		ID:        id.NewEventID(),
		Code:      code,
		ClusterID: clusterID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// OrderingKey returns the transport partition key: the cluster ID when
// present, the fixed system key otherwise.
func (e *Event) OrderingKey() string {
	if e.ClusterID != "" {
		return e.ClusterID
	}
	return SystemOrderingKey
}
