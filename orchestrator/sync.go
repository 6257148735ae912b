package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/agent"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
)

// syncActions reconciles one node's actions with its agent, inside the
// same locked refresh cycle. Three passes:
//
//  1. push: hand PENDING_SCHEDULE actions to the agent;
//  2. mirror: overwrite core records with whatever states the agent
//     reports — on conflict the agent wins;
//  3. lost: mark actions the agent no longer knows anything about.
//
// This is the only place the control plane observes action progress; it
// never polls agents between cycles.
func (o *Orchestrator) syncActions(ctx context.Context, node *fleet.NodeState) error {
	client := o.clients.Client(node.Address)

	pushed, err := o.pushPending(ctx, client, node)
	if err != nil {
		return err
	}
	reported, err := o.mirrorReported(ctx, client, node)
	if err != nil {
		return err
	}
	// Actions handed over this very cycle count as known to the agent
	// even if its listings raced the push.
	for actionID := range pushed {
		reported[actionID] = true
	}
	return o.markLost(ctx, client, node, reported)
}

// pushPending hands schedulable actions to the agent, oldest first, and
// returns the IDs successfully handed over.
func (o *Orchestrator) pushPending(ctx context.Context, client agent.Client, node *fleet.NodeState) (map[string]bool, error) {
	pending, err := o.actions.ListPendingSchedule(ctx, node.ClusterID, node.NodeID)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	pushed := make(map[string]bool, len(pending))
	for _, a := range pending {
		record := &agent.ActionRecord{
			ID:   a.ID,
			Kind: a.Kind,
			Args: a.Args,
		}
		if err := client.ScheduleAction(ctx, a.Kind, record); err != nil {
			// The agent may be refusing new work; retry next cycle.
			o.logger.Warn("action handoff error",
				slog.String("cluster_id", a.ClusterID),
				slog.String("action_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := o.applyTransition(ctx, a, action.StateNew, nil); err != nil {
			return nil, err
		}
		pushed[a.ID] = true
	}
	return pushed, nil
}

// mirrorReported overwrites core records with the agent's view and
// returns the set of action IDs the agent reported.
func (o *Orchestrator) mirrorReported(ctx context.Context, client agent.Client, node *fleet.NodeState) (map[string]bool, error) {
	queued, err := client.ActionQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch action queue: %w", err)
	}
	finished, err := client.ActionsFinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch finished actions: %w", err)
	}

	reported := make(map[string]bool, len(queued)+len(finished))
	for _, item := range append(queued, finished...) {
		reported[item.ID] = true
		if err := o.mirrorOne(ctx, client, node, item); err != nil {
			return nil, err
		}
	}
	return reported, nil
}

func (o *Orchestrator) mirrorOne(ctx context.Context, client agent.Client, node *fleet.NodeState, item agent.ActionListItem) error {
	reportedState, ok := agentState(item.State)
	if !ok {
		o.logger.Warn("agent reported unknown action state",
			slog.String("cluster_id", node.ClusterID),
			slog.String("action_id", item.ID),
			slog.String("state", item.State),
		)
		return nil
	}

	core, err := o.actions.Get(ctx, node.ClusterID, item.ID)
	if errors.Is(err, replicore.ErrActionNotFound) {
		return o.adoptAgentAction(ctx, client, node, item.ID)
	}
	if err != nil {
		return fmt.Errorf("load action %s: %w", item.ID, err)
	}

	if core.State == reportedState || core.State.Terminal() {
		return nil
	}

	// Conflict: the agent is the system of record closest to execution,
	// so its state overwrites ours regardless of what we believed.
	info, err := client.ActionInfo(ctx, item.ID)
	var payload json.RawMessage
	if err == nil {
		payload = info.StatePayload
	}
	return o.applyTransition(ctx, core, reportedState, payload)
}

// adoptAgentAction creates a core record for an action the agent knows
// but the control plane has never seen.
func (o *Orchestrator) adoptAgentAction(ctx context.Context, client agent.Client, node *fleet.NodeState, actionID string) error {
	info, err := client.ActionInfo(ctx, actionID)
	if err != nil {
		return fmt.Errorf("fetch agent action %s: %w", actionID, err)
	}
	state, ok := agentState(info.State)
	if !ok {
		return nil
	}

	a := &action.Action{
		Entity:       replicore.NewEntity(),
		ID:           info.ID,
		ClusterID:    node.ClusterID,
		NodeID:       node.NodeID,
		Kind:         info.Kind,
		Args:         info.Args,
		State:        state,
		Requester:    "agent",
		StatePayload: info.StatePayload,
		Finished:     info.Finished,
	}
	if err := o.actions.Create(ctx, a); err != nil && !errors.Is(err, replicore.ErrActionExists) {
		return fmt.Errorf("adopt agent action %s: %w", actionID, err)
	}
	o.logger.Info("adopted agent-originated action",
		slog.String("cluster_id", node.ClusterID),
		slog.String("action_id", actionID),
		slog.String("state", string(state)),
	)
	return nil
}

// markLost finds actions the core believes are with the agent but the
// agent no longer reports, confirms via a direct lookup, and marks them
// LOST. LOST is terminal; the action is not retried.
func (o *Orchestrator) markLost(ctx context.Context, client agent.Client, node *fleet.NodeState, reported map[string]bool) error {
	unfinished, err := o.actions.ListUnfinished(ctx, node.ClusterID, node.NodeID)
	if err != nil {
		return fmt.Errorf("list unfinished actions: %w", err)
	}
	for _, a := range unfinished {
		if reported[a.ID] {
			continue
		}
		info, err := client.ActionInfo(ctx, a.ID)
		if err == nil {
			// Not in either listing but still known, e.g. rotated out of
			// the finished window. Mirror it instead of losing it.
			if state, ok := agentState(info.State); ok && state != a.State {
				if err := o.applyTransition(ctx, a, state, info.StatePayload); err != nil {
					return err
				}
			}
			continue
		}
		if !errors.Is(err, replicore.ErrActionNotFound) {
			return fmt.Errorf("confirm action %s: %w", a.ID, err)
		}
		if err := o.applyTransition(ctx, a, action.StateLost, nil); err != nil {
			return err
		}
	}
	return nil
}

// applyTransition moves an action to a new state, persists the record
// and its history entry, and announces the change.
func (o *Orchestrator) applyTransition(ctx context.Context, a *action.Action, to action.State, payload json.RawMessage) error {
	from := a.State
	tr, err := a.Transition(to, payload)
	if err != nil {
		return fmt.Errorf("transition action %s to %s: %w", a.ID, to, err)
	}
	if err := o.actions.Update(ctx, a); err != nil {
		return fmt.Errorf("update action %s: %w", a.ID, err)
	}
	if err := o.actions.AppendTransition(ctx, tr); err != nil {
		return fmt.Errorf("append action history %s: %w", a.ID, err)
	}

	if err := o.emit(ctx, events.CodeActionChanged, a.ClusterID, tr); err != nil {
		return err
	}
	if o.hooks != nil {
		o.hooks.EmitActionTransitioned(ctx, a, from, to)
	}
	return nil
}

// agentState maps an agent-reported state string onto the core state
// machine.
func agentState(state string) (action.State, bool) {
	switch action.State(state) {
	case action.StateNew, action.StateRunning, action.StateDone,
		action.StateFailed, action.StateCancelled:
		return action.State(state), true
	}
	return "", false
}
