package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/fleet"
)

// GetDiscovery retrieves the discovery record for a cluster.
func (s *Store) GetDiscovery(ctx context.Context, clusterID string) (*fleet.DiscoveryRecord, error) {
	m := new(discoveryModel)
	err := s.db.NewSelect().Model(m).
		Where("cluster_id = ?", clusterID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, replicore.ErrDiscoveryNotFound
		}
		return nil, fmt.Errorf("replicore/bun: get discovery: %w", err)
	}
	return fromDiscoveryModel(m), nil
}

// PutDiscovery upserts a discovery record.
func (s *Store) PutDiscovery(ctx context.Context, record *fleet.DiscoveryRecord) error {
	m := toDiscoveryModel(record)
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (cluster_id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("node_addresses = EXCLUDED.node_addresses").
		Set("next_schedule = EXCLUDED.next_schedule").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: put discovery: %w", err)
	}
	return nil
}

// ListDueDiscoveries returns records due for a discovery run, soonest
// first.
func (s *Store) ListDueDiscoveries(ctx context.Context, now time.Time) ([]*fleet.DiscoveryRecord, error) {
	var models []discoveryModel
	err := s.db.NewSelect().Model(&models).
		Where("next_schedule <= ?", now).
		Order("next_schedule ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: list due discoveries: %w", err)
	}

	records := make([]*fleet.DiscoveryRecord, 0, len(models))
	for i := range models {
		records = append(records, fromDiscoveryModel(&models[i]))
	}
	return records, nil
}

// AdvanceDiscovery moves a record's NextSchedule forward.
func (s *Store) AdvanceDiscovery(ctx context.Context, clusterID string, next time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("replicore_discoveries").
		Set("next_schedule = ?", next).
		Set("updated_at = NOW()").
		Where("cluster_id = ?", clusterID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: advance discovery: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return replicore.ErrDiscoveryNotFound
	}
	return nil
}

// GetSpec retrieves the orchestration record for a cluster.
func (s *Store) GetSpec(ctx context.Context, clusterID string) (*fleet.ClusterSpec, error) {
	m := new(specModel)
	err := s.db.NewSelect().Model(m).
		Where("cluster_id = ?", clusterID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, replicore.ErrSpecNotFound
		}
		return nil, fmt.Errorf("replicore/bun: get spec: %w", err)
	}
	return fromSpecModel(m), nil
}

// PutSpec upserts a cluster spec.
func (s *Store) PutSpec(ctx context.Context, spec *fleet.ClusterSpec) error {
	m := toSpecModel(spec)
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (cluster_id) DO UPDATE").
		Set("enabled = EXCLUDED.enabled").
		Set("refresh_schedule = EXCLUDED.refresh_schedule").
		Set("next_refresh = EXCLUDED.next_refresh").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: put spec: %w", err)
	}
	return nil
}

// ListDueRefreshes returns enabled specs due for a refresh, soonest
// first.
func (s *Store) ListDueRefreshes(ctx context.Context, now time.Time) ([]*fleet.ClusterSpec, error) {
	var models []specModel
	err := s.db.NewSelect().Model(&models).
		Where("enabled").
		Where("next_refresh <= ?", now).
		Order("next_refresh ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: list due refreshes: %w", err)
	}

	specs := make([]*fleet.ClusterSpec, 0, len(models))
	for i := range models {
		specs = append(specs, fromSpecModel(&models[i]))
	}
	return specs, nil
}

// AdvanceRefresh moves a spec's NextRefresh forward.
func (s *Store) AdvanceRefresh(ctx context.Context, clusterID string, next time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("replicore_cluster_specs").
		Set("next_refresh = ?", next).
		Set("updated_at = NOW()").
		Where("cluster_id = ?", clusterID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: advance refresh: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return replicore.ErrSpecNotFound
	}
	return nil
}

// GetNodeState retrieves one node's state.
func (s *Store) GetNodeState(ctx context.Context, clusterID, nodeID string) (*fleet.NodeState, error) {
	m := new(nodeStateModel)
	err := s.db.NewSelect().Model(m).
		Where("cluster_id = ?", clusterID).
		Where("node_id = ?", nodeID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, replicore.ErrNodeNotFound
		}
		return nil, fmt.Errorf("replicore/bun: get node state: %w", err)
	}
	return fromNodeStateModel(m)
}

// PutNodeState upserts one node's state.
func (s *Store) PutNodeState(ctx context.Context, state *fleet.NodeState) error {
	m, err := toNodeStateModel(state)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).
		On("CONFLICT (cluster_id, node_id) DO UPDATE").
		Set("address = EXCLUDED.address").
		Set("agent_info = EXCLUDED.agent_info").
		Set("shards = EXCLUDED.shards").
		Set("last_fetch = EXCLUDED.last_fetch").
		Set("fetch_error = EXCLUDED.fetch_error").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: put node state: %w", err)
	}
	return nil
}

// ListNodeStates returns all node states for a cluster.
func (s *Store) ListNodeStates(ctx context.Context, clusterID string) ([]*fleet.NodeState, error) {
	var models []nodeStateModel
	err := s.db.NewSelect().Model(&models).
		Where("cluster_id = ?", clusterID).
		Order("node_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: list node states: %w", err)
	}

	states := make([]*fleet.NodeState, 0, len(models))
	for i := range models {
		state, convErr := fromNodeStateModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		states = append(states, state)
	}
	return states, nil
}

// GetView retrieves the last persisted view of a cluster.
func (s *Store) GetView(ctx context.Context, clusterID string) (*fleet.ClusterView, error) {
	m := new(viewModel)
	err := s.db.NewSelect().Model(m).
		Where("cluster_id = ?", clusterID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, replicore.ErrViewNotFound
		}
		return nil, fmt.Errorf("replicore/bun: get view: %w", err)
	}
	return fromViewModel(m)
}

// PutView upserts the persisted view wholesale.
func (s *Store) PutView(ctx context.Context, view *fleet.ClusterView) error {
	m, err := toViewModel(view)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(m).
		On("CONFLICT (cluster_id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("generation = EXCLUDED.generation").
		Set("nodes = EXCLUDED.nodes").
		Set("shards = EXCLUDED.shards").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: put view: %w", err)
	}
	return nil
}
