package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
)

// Get loads an action by cluster and ID.
func (s *Store) Get(ctx context.Context, clusterID, actionID string) (*action.Action, error) {
	var a action.Action
	if err := s.getJSON(ctx, actionKey(clusterID, actionID), &a, replicore.ErrActionNotFound); err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new action. Returns replicore.ErrActionExists if the
// (cluster, ID) pair already exists.
func (s *Store) Create(ctx context.Context, a *action.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode action %s: %w", a.ID, err)
	}
	ok, err := s.client.SetNX(ctx, actionKey(a.ClusterID, a.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store action %s: %w", a.ID, err)
	}
	if !ok {
		return replicore.ErrActionExists
	}
	return s.indexAction(ctx, a)
}

// Update overwrites an action's current-state record and reindexes it.
func (s *Store) Update(ctx context.Context, a *action.Action) error {
	if err := s.setJSON(ctx, actionKey(a.ClusterID, a.ID), a); err != nil {
		return err
	}
	return s.indexAction(ctx, a)
}

// indexAction places the action in the Sorted Set matching its state.
// Membership is exclusive: the action is removed from the sets it no
// longer belongs to first.
func (s *Store) indexAction(ctx context.Context, a *action.Action) error {
	pending := pendingKey(a.ClusterID, a.NodeID)
	unfinished := unfinishedKey(a.ClusterID, a.NodeID)

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, pending, a.ID)
	pipe.ZRem(ctx, unfinished, a.ID)
	pipe.ZRem(ctx, finishedKey, finishedMember(a.ClusterID, a.ID))

	switch {
	case a.State == action.StatePendingSchedule:
		pipe.ZAdd(ctx, pending, goredis.Z{Score: score(a.CreatedAt), Member: a.ID})
	case a.State == action.StateNew || a.State == action.StateRunning:
		pipe.ZAdd(ctx, unfinished, goredis.Z{Score: score(a.CreatedAt), Member: a.ID})
	case a.State.Terminal() && a.Finished != nil:
		pipe.ZAdd(ctx, finishedKey, goredis.Z{
			Score:  score(*a.Finished),
			Member: finishedMember(a.ClusterID, a.ID),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index action %s: %w", a.ID, err)
	}
	return nil
}

func finishedMember(clusterID, actionID string) string {
	return clusterID + "/" + actionID
}

// Delete removes an action, its history and its index entries.
func (s *Store) Delete(ctx context.Context, clusterID, actionID string) error {
	a, err := s.Get(ctx, clusterID, actionID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, actionKey(clusterID, actionID))
	pipe.Del(ctx, transitionsKey(clusterID, actionID))
	pipe.ZRem(ctx, pendingKey(clusterID, a.NodeID), actionID)
	pipe.ZRem(ctx, unfinishedKey(clusterID, a.NodeID), actionID)
	pipe.ZRem(ctx, finishedKey, finishedMember(clusterID, actionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete action %s: %w", actionID, err)
	}
	return nil
}

// ListPendingSchedule returns a node's actions awaiting handoff to the
// agent, oldest first.
func (s *Store) ListPendingSchedule(ctx context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listIndexed(ctx, pendingKey(clusterID, nodeID), clusterID)
}

// ListUnfinished returns a node's actions already handed to the agent
// but not yet terminal, oldest first.
func (s *Store) ListUnfinished(ctx context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listIndexed(ctx, unfinishedKey(clusterID, nodeID), clusterID)
}

func (s *Store) listIndexed(ctx context.Context, key, clusterID string) ([]*action.Action, error) {
	actionIDs, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", key, err)
	}

	actions := make([]*action.Action, 0, len(actionIDs))
	for _, actionID := range actionIDs {
		a, err := s.Get(ctx, clusterID, actionID)
		if errors.Is(err, replicore.ErrActionNotFound) {
			s.client.ZRem(ctx, key, actionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ListFinishedBefore returns up to limit terminal actions whose
// Finished timestamp is before the cutoff, oldest first.
func (s *Store) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*action.Action, error) {
	members, err := s.client.ZRangeByScore(ctx, finishedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan finished actions: %w", err)
	}

	actions := make([]*action.Action, 0, len(members))
	for _, member := range members {
		clusterID, actionID, ok := strings.Cut(member, "/")
		if !ok {
			s.client.ZRem(ctx, finishedKey, member)
			continue
		}
		a, err := s.Get(ctx, clusterID, actionID)
		if errors.Is(err, replicore.ErrActionNotFound) {
			s.client.ZRem(ctx, finishedKey, member)
			continue
		}
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// AppendTransition adds an entry to an action's history log.
func (s *Store) AppendTransition(ctx context.Context, tr *action.Transition) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to encode transition for action %s: %w", tr.ActionID, err)
	}
	key := transitionsKey(tr.ClusterID, tr.ActionID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append transition for action %s: %w", tr.ActionID, err)
	}
	return nil
}

// ListTransitions returns an action's history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, clusterID, actionID string) ([]*action.Transition, error) {
	entries, err := s.client.LRange(ctx, transitionsKey(clusterID, actionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions for action %s: %w", actionID, err)
	}

	transitions := make([]*action.Transition, 0, len(entries))
	for _, entry := range entries {
		var tr action.Transition
		if err := json.Unmarshal([]byte(entry), &tr); err != nil {
			return nil, fmt.Errorf("failed to decode transition for action %s: %w", actionID, err)
		}
		transitions = append(transitions, &tr)
	}
	return transitions, nil
}
