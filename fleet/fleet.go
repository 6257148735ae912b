// Package fleet holds the domain model for the managed fleet: which
// clusters exist, which nodes belong to them, and the aggregated view
// the control plane maintains for each cluster.
//
// Records here are approximate by design. The control plane observes
// clusters through per-node agents and never has a consistent
// point-in-time snapshot; views carry a generation counter instead so
// consumers can reason about staleness.
package fleet

import (
	"time"

	"github.com/replicante-io/replicore"
)

// DiscoveryRecord lists the known nodes of a cluster as reported by the
// discovery backend. Written wholesale by the discovery worker; read by
// the orchestrator to know which agents to contact. Records are created
// on first discovery, updated in place and never deleted automatically.
type DiscoveryRecord struct {
	replicore.Entity

	ClusterID     string   `json:"cluster_id"`
	DisplayName   string   `json:"display_name,omitempty"`
	NodeAddresses []string `json:"node_addresses"`

	// NextSchedule is when the next discovery run for this cluster is
	// due. Advanced by the discovery scheduler at enqueue time.
	NextSchedule time.Time `json:"next_schedule"`
}

// ClusterSpec is the orchestration record for a cluster: whether the
// control plane should refresh it and when the next refresh is due.
type ClusterSpec struct {
	replicore.Entity

	ClusterID string `json:"cluster_id"`
	Enabled   bool   `json:"enabled"`

	// RefreshSchedule is an optional cron expression overriding the
	// fleet-wide refresh interval for this cluster. Empty means the
	// default interval applies.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`

	// NextRefresh is when the next orchestrate run for this cluster is
	// due. Advanced by the orchestration scheduler at enqueue time.
	NextRefresh time.Time `json:"next_refresh"`
}
