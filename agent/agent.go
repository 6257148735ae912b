// Package agent talks to the per-node sidecar agents that expose a
// node's state and accept actions. Agents are external to the control
// plane; everything here is a consumer of their JSON-over-HTTP API.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/replicante-io/replicore/fleet"
)

// Info is the agent's self-description: the agent software and the
// datastore node it fronts.
type Info struct {
	Agent struct {
		Version struct {
			Number   string `json:"number"`
			Checkout string `json:"checkout"`
			Taint    string `json:"taint"`
		} `json:"version"`
	} `json:"agent"`
	Datastore struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Version string `json:"version"`
	} `json:"datastore"`
}

// AgentInfo converts the wire form into the fleet model.
func (i *Info) AgentInfo() *fleet.AgentInfo {
	return &fleet.AgentInfo{
		Version:          i.Agent.Version.Number,
		Checkout:         i.Agent.Version.Checkout,
		Taint:            i.Agent.Version.Taint,
		DatastoreKind:    i.Datastore.Kind,
		DatastoreVersion: i.Datastore.Version,
	}
}

// Shards is the agent's report of the shards hosted on its node.
type Shards struct {
	Shards []ShardInfo `json:"shards"`
}

// ShardInfo is one shard's state as reported by an agent.
type ShardInfo struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	Lag          *int64 `json:"lag,omitempty"`
	CommitOffset *int64 `json:"commit_offset,omitempty"`
	LastOp       *int64 `json:"last_op,omitempty"`
}

// ShardState converts the wire form into the fleet model.
func (s ShardInfo) ShardState() fleet.ShardState {
	role := fleet.ShardRole(s.Role)
	switch role {
	case fleet.ShardRolePrimary, fleet.ShardRoleSecondary:
	default:
		role = fleet.ShardRoleUnknown
	}
	return fleet.ShardState{
		ID:           s.ID,
		Role:         role,
		Lag:          s.Lag,
		CommitOffset: s.CommitOffset,
		LastOp:       s.LastOp,
	}
}

// ActionRecord is an action as the agent reports it. The agent's copy
// is authoritative: on any disagreement for a shared ID the control
// plane overwrites its own record with this one.
type ActionRecord struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	State        string          `json:"state"`
	Args         json.RawMessage `json:"args,omitempty"`
	StatePayload json.RawMessage `json:"state_payload,omitempty"`
	Finished     *time.Time      `json:"finished,omitempty"`
}

// ActionListItem is a summary entry from the agent's queue or finished
// listing.
type ActionListItem struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

// Client is the capability interface over one node's agent API. All
// calls are bounded by the client's configured timeout, never
// unbounded.
type Client interface {
	// Info fetches the agent and datastore description.
	Info(ctx context.Context) (*Info, error)

	// Shards fetches the state of shards on the node.
	Shards(ctx context.Context) (*Shards, error)

	// ActionQueue lists actions the agent has accepted but not
	// finished.
	ActionQueue(ctx context.Context) ([]ActionListItem, error)

	// ActionsFinished lists recently finished actions.
	ActionsFinished(ctx context.Context) ([]ActionListItem, error)

	// ActionInfo fetches one action's full record. Returns
	// replicore.ErrActionNotFound if the agent has no record of it.
	ActionInfo(ctx context.Context, actionID string) (*ActionRecord, error)

	// ScheduleAction hands an action to the agent for execution.
	ScheduleAction(ctx context.Context, kind string, action *ActionRecord) error
}

// Clients builds a Client for a node address. Allows tests to swap the
// HTTP transport for stubs.
type Clients interface {
	Client(address string) Client
}
