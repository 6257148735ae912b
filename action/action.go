// Package action models operator-requested work executed by agents and
// the state the control plane keeps about it.
//
// The control plane is not the system of record for action progress:
// agents execute actions and report transitions, and on any state
// disagreement for a shared action ID the agent's report wins. The
// control plane only originates actions (up to handing them to an
// agent) and mirrors what agents report afterwards.
package action

import (
	"encoding/json"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/id"
)

// State is an action's position in its lifecycle.
type State string

const (
	// StatePendingApprove holds an action until an operator approves it.
	StatePendingApprove State = "PENDING_APPROVE"

	// StatePendingSchedule marks an action ready to be handed to its
	// agent at the next sync.
	StatePendingSchedule State = "PENDING_SCHEDULE"

	// StateNew means the agent accepted the action but has not started.
	StateNew State = "NEW"

	// StateRunning means the agent is executing the action.
	StateRunning State = "RUNNING"

	// Terminal states. Immutable once reached.
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"

	// StateLost marks an action the agent no longer has any record of.
	// Terminal; the action is not retried.
	StateLost State = "LOST"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled, StateLost:
		return true
	}
	return false
}

// Action is the control plane's current record of one action. Action
// IDs are shared with the agent executing the action; agent-originated
// actions keep whatever ID the agent assigned.
type Action struct {
	replicore.Entity

	ID        string `json:"id"`
	ClusterID string `json:"cluster_id"`
	NodeID    string `json:"node_id"`

	Kind      string          `json:"kind"`
	Args      json.RawMessage `json:"args,omitempty"`
	State     State           `json:"state"`
	Requester string          `json:"requester"`

	// StatePayload carries agent-reported detail for the current state,
	// such as a failure reason.
	StatePayload json.RawMessage `json:"state_payload,omitempty"`

	// Finished is set when the action reaches a terminal state; the
	// janitor expires terminal actions past their TTL based on it.
	Finished *time.Time `json:"finished,omitempty"`
}

// New creates an action in PENDING_APPROVE.
func New(clusterID, nodeID, kind, requester string, args json.RawMessage) *Action {
	return &Action{
		Entity:    replicore.NewEntity(),
		ID:        id.NewActionID().String(),
		ClusterID: clusterID,
		NodeID:    nodeID,
		Kind:      kind,
		Args:      args,
		State:     StatePendingApprove,
		Requester: requester,
	}
}

// Transition moves the action to a new state and returns the history
// record for it. Returns replicore.ErrActionTerminal if the action is
// already in a terminal state; terminal actions never change again.
func (a *Action) Transition(to State, payload json.RawMessage) (*Transition, error) {
	if a.State.Terminal() {
		return nil, replicore.ErrActionTerminal
	}
	from := a.State
	a.State = to
	a.StatePayload = payload
	a.Touch()
	if to.Terminal() {
		now := time.Now().UTC()
		a.Finished = &now
	}
	return &Transition{
		ActionID:  a.ID,
		ClusterID: a.ClusterID,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Transition is one entry in an action's append-only history log. The
// log lives next to the mutable current-state record so transition
// auditing survives overwrites.
type Transition struct {
	ActionID  string          `json:"action_id"`
	ClusterID string          `json:"cluster_id"`
	From      State           `json:"from"`
	To        State           `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
