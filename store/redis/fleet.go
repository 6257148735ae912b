package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/fleet"
)

// score converts a timestamp to a Sorted Set score with millisecond
// precision.
func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// dueMax formats the inclusive upper bound for a due-time range query.
func dueMax(now time.Time) string { return strconv.FormatInt(now.UnixMilli(), 10) }

func (s *Store) getJSON(ctx context.Context, key string, out any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// GetDiscovery loads the discovery record for a cluster.
func (s *Store) GetDiscovery(ctx context.Context, clusterID string) (*fleet.DiscoveryRecord, error) {
	var record fleet.DiscoveryRecord
	if err := s.getJSON(ctx, discoveryKey(clusterID), &record, replicore.ErrDiscoveryNotFound); err != nil {
		return nil, err
	}
	return &record, nil
}

// PutDiscovery writes a discovery record and reindexes its schedule.
func (s *Store) PutDiscovery(ctx context.Context, record *fleet.DiscoveryRecord) error {
	if err := s.setJSON(ctx, discoveryKey(record.ClusterID), record); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, discoveryScheduleKey, goredis.Z{
		Score:  score(record.NextSchedule),
		Member: record.ClusterID,
	}).Err()
}

// ListDueDiscoveries returns records whose NextSchedule is at or before
// now, soonest first.
func (s *Store) ListDueDiscoveries(ctx context.Context, now time.Time) ([]*fleet.DiscoveryRecord, error) {
	clusterIDs, err := s.client.ZRangeByScore(ctx, discoveryScheduleKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: dueMax(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan discovery schedule: %w", err)
	}

	records := make([]*fleet.DiscoveryRecord, 0, len(clusterIDs))
	for _, clusterID := range clusterIDs {
		record, err := s.GetDiscovery(ctx, clusterID)
		if errors.Is(err, replicore.ErrDiscoveryNotFound) {
			// Stale index entry; drop it and keep going.
			s.client.ZRem(ctx, discoveryScheduleKey, clusterID)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// AdvanceDiscovery moves a record's NextSchedule forward.
func (s *Store) AdvanceDiscovery(ctx context.Context, clusterID string, next time.Time) error {
	record, err := s.GetDiscovery(ctx, clusterID)
	if err != nil {
		return err
	}
	record.NextSchedule = next
	record.Touch()
	return s.PutDiscovery(ctx, record)
}

// GetSpec loads the orchestration record for a cluster.
func (s *Store) GetSpec(ctx context.Context, clusterID string) (*fleet.ClusterSpec, error) {
	var spec fleet.ClusterSpec
	if err := s.getJSON(ctx, specKey(clusterID), &spec, replicore.ErrSpecNotFound); err != nil {
		return nil, err
	}
	return &spec, nil
}

// PutSpec writes a cluster spec. Only enabled specs stay in the refresh
// schedule index.
func (s *Store) PutSpec(ctx context.Context, spec *fleet.ClusterSpec) error {
	if err := s.setJSON(ctx, specKey(spec.ClusterID), spec); err != nil {
		return err
	}
	if !spec.Enabled {
		return s.client.ZRem(ctx, refreshScheduleKey, spec.ClusterID).Err()
	}
	return s.client.ZAdd(ctx, refreshScheduleKey, goredis.Z{
		Score:  score(spec.NextRefresh),
		Member: spec.ClusterID,
	}).Err()
}

// ListDueRefreshes returns enabled specs whose NextRefresh is at or
// before now, soonest first.
func (s *Store) ListDueRefreshes(ctx context.Context, now time.Time) ([]*fleet.ClusterSpec, error) {
	clusterIDs, err := s.client.ZRangeByScore(ctx, refreshScheduleKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: dueMax(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan refresh schedule: %w", err)
	}

	specs := make([]*fleet.ClusterSpec, 0, len(clusterIDs))
	for _, clusterID := range clusterIDs {
		spec, err := s.GetSpec(ctx, clusterID)
		if errors.Is(err, replicore.ErrSpecNotFound) {
			s.client.ZRem(ctx, refreshScheduleKey, clusterID)
			continue
		}
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// AdvanceRefresh moves a spec's NextRefresh forward.
func (s *Store) AdvanceRefresh(ctx context.Context, clusterID string, next time.Time) error {
	spec, err := s.GetSpec(ctx, clusterID)
	if err != nil {
		return err
	}
	spec.NextRefresh = next
	spec.Touch()
	return s.PutSpec(ctx, spec)
}

// GetNodeState loads one node's state.
func (s *Store) GetNodeState(ctx context.Context, clusterID, nodeID string) (*fleet.NodeState, error) {
	var state fleet.NodeState
	if err := s.getJSON(ctx, nodeKey(clusterID, nodeID), &state, replicore.ErrNodeNotFound); err != nil {
		return nil, err
	}
	return &state, nil
}

// PutNodeState writes one node's state.
func (s *Store) PutNodeState(ctx context.Context, state *fleet.NodeState) error {
	if err := s.setJSON(ctx, nodeKey(state.ClusterID, state.NodeID), state); err != nil {
		return err
	}
	return s.client.SAdd(ctx, nodeIndexKey(state.ClusterID), state.NodeID).Err()
}

// ListNodeStates returns all node states for a cluster.
func (s *Store) ListNodeStates(ctx context.Context, clusterID string) ([]*fleet.NodeState, error) {
	nodeIDs, err := s.client.SMembers(ctx, nodeIndexKey(clusterID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes for cluster %s: %w", clusterID, err)
	}

	states := make([]*fleet.NodeState, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		state, err := s.GetNodeState(ctx, clusterID, nodeID)
		if errors.Is(err, replicore.ErrNodeNotFound) {
			s.client.SRem(ctx, nodeIndexKey(clusterID), nodeID)
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// GetView loads the last persisted view of a cluster.
func (s *Store) GetView(ctx context.Context, clusterID string) (*fleet.ClusterView, error) {
	var view fleet.ClusterView
	if err := s.getJSON(ctx, viewKey(clusterID), &view, replicore.ErrViewNotFound); err != nil {
		return nil, err
	}
	return &view, nil
}

// PutView replaces the persisted view wholesale.
func (s *Store) PutView(ctx context.Context, view *fleet.ClusterView) error {
	return s.setJSON(ctx, viewKey(view.ClusterID), view)
}
