package action

import (
	"context"
	"time"
)

// Store is the capability interface over action persistence. One
// implementation exists per backend (memory, redis, bun); core logic
// depends only on this interface.
type Store interface {
	// Get loads an action by cluster and ID. Returns
	// replicore.ErrActionNotFound if unknown.
	Get(ctx context.Context, clusterID, actionID string) (*Action, error)

	// Create inserts a new action. Returns replicore.ErrActionExists if
	// the (cluster, ID) pair already exists.
	Create(ctx context.Context, a *Action) error

	// Update overwrites an action's current-state record.
	Update(ctx context.Context, a *Action) error

	// Delete removes an action and its history. Used by the janitor to
	// expire terminal actions.
	Delete(ctx context.Context, clusterID, actionID string) error

	// ListPendingSchedule returns a node's actions awaiting handoff to
	// the agent, oldest first.
	ListPendingSchedule(ctx context.Context, clusterID, nodeID string) ([]*Action, error)

	// ListUnfinished returns a node's actions already handed to the
	// agent but not yet terminal (NEW or RUNNING).
	ListUnfinished(ctx context.Context, clusterID, nodeID string) ([]*Action, error)

	// ListFinishedBefore returns up to limit terminal actions whose
	// Finished timestamp is before the cutoff. Used by the janitor.
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Action, error)

	// AppendTransition adds an entry to an action's history log.
	AppendTransition(ctx context.Context, tr *Transition) error

	// ListTransitions returns an action's history, oldest first.
	ListTransitions(ctx context.Context, clusterID, actionID string) ([]*Transition, error)
}
