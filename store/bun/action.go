package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
)

// Get retrieves an action by cluster and ID.
func (s *Store) Get(ctx context.Context, clusterID, actionID string) (*action.Action, error) {
	m := new(actionModel)
	err := s.db.NewSelect().Model(m).
		Where("cluster_id = ?", clusterID).
		Where("id = ?", actionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, replicore.ErrActionNotFound
		}
		return nil, fmt.Errorf("replicore/bun: get action: %w", err)
	}
	return fromActionModel(m), nil
}

// Create inserts a new action.
func (s *Store) Create(ctx context.Context, a *action.Action) error {
	m := toActionModel(a)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return replicore.ErrActionExists
		}
		return fmt.Errorf("replicore/bun: create action: %w", err)
	}
	return nil
}

// Update overwrites an action's current-state record.
func (s *Store) Update(ctx context.Context, a *action.Action) error {
	m := toActionModel(a)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: update action: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return replicore.ErrActionNotFound
	}
	return nil
}

// Delete removes an action and its transition history.
func (s *Store) Delete(ctx context.Context, clusterID, actionID string) error {
	res, err := s.db.NewDelete().
		TableExpr("replicore_actions").
		Where("cluster_id = ?", clusterID).
		Where("id = ?", actionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: delete action: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return replicore.ErrActionNotFound
	}

	_, err = s.db.NewDelete().
		TableExpr("replicore_action_transitions").
		Where("cluster_id = ?", clusterID).
		Where("action_id = ?", actionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: delete action transitions: %w", err)
	}
	return nil
}

// ListPendingSchedule returns a node's actions awaiting handoff to the
// agent, oldest first.
func (s *Store) ListPendingSchedule(ctx context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listByStates(ctx, clusterID, nodeID, []string{string(action.StatePendingSchedule)})
}

// ListUnfinished returns a node's actions already handed to the agent
// but not yet terminal, oldest first.
func (s *Store) ListUnfinished(ctx context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listByStates(ctx, clusterID, nodeID, []string{
		string(action.StateNew),
		string(action.StateRunning),
	})
}

func (s *Store) listByStates(ctx context.Context, clusterID, nodeID string, states []string) ([]*action.Action, error) {
	var models []actionModel
	err := s.db.NewSelect().Model(&models).
		Where("cluster_id = ?", clusterID).
		Where("node_id = ?", nodeID).
		Where("state IN (?)", bun.In(states)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: list actions by state: %w", err)
	}

	actions := make([]*action.Action, 0, len(models))
	for i := range models {
		actions = append(actions, fromActionModel(&models[i]))
	}
	return actions, nil
}

// ListFinishedBefore returns up to limit terminal actions finished
// before the cutoff, oldest first.
func (s *Store) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*action.Action, error) {
	var models []actionModel
	q := s.db.NewSelect().Model(&models).
		Where("finished IS NOT NULL").
		Where("finished < ?", cutoff).
		Order("finished ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("replicore/bun: list finished actions: %w", err)
	}

	actions := make([]*action.Action, 0, len(models))
	for i := range models {
		actions = append(actions, fromActionModel(&models[i]))
	}
	return actions, nil
}

// AppendTransition adds an entry to an action's history log.
func (s *Store) AppendTransition(ctx context.Context, tr *action.Transition) error {
	m := toTransitionModel(tr)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("replicore/bun: append transition: %w", err)
	}
	return nil
}

// ListTransitions returns an action's history, oldest first.
func (s *Store) ListTransitions(ctx context.Context, clusterID, actionID string) ([]*action.Transition, error) {
	var models []transitionModel
	err := s.db.NewSelect().Model(&models).
		Where("cluster_id = ?", clusterID).
		Where("action_id = ?", actionID).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: list transitions: %w", err)
	}

	transitions := make([]*action.Transition, 0, len(models))
	for i := range models {
		transitions = append(transitions, fromTransitionModel(&models[i]))
	}
	return transitions, nil
}
