// Package discovery learns which nodes belong to which cluster and
// keeps discovery records current. Discovery is the simpler sibling of
// orchestration: records are written wholesale and idempotently, so no
// cluster-level lock is needed — concurrent writers converge to the
// same external truth.
package discovery

import (
	"context"
	"time"

	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/scheduler"
)

// Cluster is one cluster as reported by a discovery backend.
type Cluster struct {
	ClusterID     string   `json:"cluster_id" yaml:"cluster_id"`
	DisplayName   string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	NodeAddresses []string `json:"node_addresses" yaml:"node_addresses"`
}

// Backend is the capability interface over an external discovery
// system (DNS, a CMDB, a config file). Returns
// replicore.ErrDiscoveryNotFound for unknown clusters.
type Backend interface {
	// Discover returns the current membership of one cluster.
	Discover(ctx context.Context, clusterID string) (*Cluster, error)

	// Clusters lists all cluster IDs the backend knows about. Used to
	// seed discovery records for clusters never seen before.
	Clusters(ctx context.Context) ([]string, error)
}

// Source adapts the fleet store's discovery records to the scheduler.
type Source struct {
	store fleet.Store
}

var _ scheduler.Source = (*Source)(nil)

// NewSource creates the scheduler source for discovery records.
func NewSource(store fleet.Store) *Source {
	return &Source{store: store}
}

// Kind names the resource kind for elections and logs.
func (s *Source) Kind() string { return "discovery" }

// Queue names the task queue discovery work goes to.
func (s *Source) Queue() string { return "discover" }

// Due lists discovery records whose next schedule has passed.
func (s *Source) Due(ctx context.Context, now time.Time) ([]scheduler.Record, error) {
	records, err := s.store.ListDueDiscoveries(ctx, now)
	if err != nil {
		return nil, err
	}
	due := make([]scheduler.Record, 0, len(records))
	for _, record := range records {
		due = append(due, scheduler.Record{ClusterID: record.ClusterID})
	}
	return due, nil
}

// Advance moves a record's next schedule forward.
func (s *Source) Advance(ctx context.Context, clusterID string, next time.Time) error {
	return s.store.AdvanceDiscovery(ctx, clusterID, next)
}
