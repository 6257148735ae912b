package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/fleet"
)

// ── Discovery model ───────────────────────────────────────────────

type discoveryModel struct {
	bun.BaseModel `bun:"table:replicore_discoveries"`

	ClusterID     string    `bun:"cluster_id,pk"`
	DisplayName   string    `bun:"display_name"`
	NodeAddresses []string  `bun:"node_addresses,array"`
	NextSchedule  time.Time `bun:"next_schedule,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toDiscoveryModel(r *fleet.DiscoveryRecord) *discoveryModel {
	return &discoveryModel{
		ClusterID:     r.ClusterID,
		DisplayName:   r.DisplayName,
		NodeAddresses: r.NodeAddresses,
		NextSchedule:  r.NextSchedule,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func fromDiscoveryModel(m *discoveryModel) *fleet.DiscoveryRecord {
	return &fleet.DiscoveryRecord{
		Entity: replicore.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ClusterID:     m.ClusterID,
		DisplayName:   m.DisplayName,
		NodeAddresses: m.NodeAddresses,
		NextSchedule:  m.NextSchedule,
	}
}

// ── Cluster spec model ────────────────────────────────────────────

type specModel struct {
	bun.BaseModel `bun:"table:replicore_cluster_specs"`

	ClusterID       string    `bun:"cluster_id,pk"`
	Enabled         bool      `bun:"enabled,notnull,default:true"`
	RefreshSchedule string    `bun:"refresh_schedule"`
	NextRefresh     time.Time `bun:"next_refresh,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toSpecModel(spec *fleet.ClusterSpec) *specModel {
	return &specModel{
		ClusterID:       spec.ClusterID,
		Enabled:         spec.Enabled,
		RefreshSchedule: spec.RefreshSchedule,
		NextRefresh:     spec.NextRefresh,
		CreatedAt:       spec.CreatedAt,
		UpdatedAt:       spec.UpdatedAt,
	}
}

func fromSpecModel(m *specModel) *fleet.ClusterSpec {
	return &fleet.ClusterSpec{
		Entity: replicore.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ClusterID:       m.ClusterID,
		Enabled:         m.Enabled,
		RefreshSchedule: m.RefreshSchedule,
		NextRefresh:     m.NextRefresh,
	}
}

// ── Node state model ──────────────────────────────────────────────

type nodeStateModel struct {
	bun.BaseModel `bun:"table:replicore_node_states"`

	ClusterID  string          `bun:"cluster_id,pk"`
	NodeID     string          `bun:"node_id,pk"`
	Address    string          `bun:"address"`
	AgentInfo  json.RawMessage `bun:"agent_info,type:jsonb"`
	Shards     json.RawMessage `bun:"shards,type:jsonb"`
	LastFetch  time.Time       `bun:"last_fetch,notnull"`
	FetchError string          `bun:"fetch_error"`
	CreatedAt  time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt  time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

func toNodeStateModel(state *fleet.NodeState) (*nodeStateModel, error) {
	m := &nodeStateModel{
		ClusterID:  state.ClusterID,
		NodeID:     state.NodeID,
		Address:    state.Address,
		LastFetch:  state.LastFetch,
		FetchError: state.FetchError,
		CreatedAt:  state.CreatedAt,
		UpdatedAt:  state.UpdatedAt,
	}
	if state.AgentInfo != nil {
		data, err := json.Marshal(state.AgentInfo)
		if err != nil {
			return nil, fmt.Errorf("replicore/bun: encode agent info: %w", err)
		}
		m.AgentInfo = data
	}
	if state.Shards != nil {
		data, err := json.Marshal(state.Shards)
		if err != nil {
			return nil, fmt.Errorf("replicore/bun: encode shards: %w", err)
		}
		m.Shards = data
	}
	return m, nil
}

func fromNodeStateModel(m *nodeStateModel) (*fleet.NodeState, error) {
	state := &fleet.NodeState{
		Entity: replicore.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ClusterID:  m.ClusterID,
		NodeID:     m.NodeID,
		Address:    m.Address,
		LastFetch:  m.LastFetch,
		FetchError: m.FetchError,
	}
	if len(m.AgentInfo) > 0 {
		if err := json.Unmarshal(m.AgentInfo, &state.AgentInfo); err != nil {
			return nil, fmt.Errorf("replicore/bun: decode agent info: %w", err)
		}
	}
	if len(m.Shards) > 0 {
		if err := json.Unmarshal(m.Shards, &state.Shards); err != nil {
			return nil, fmt.Errorf("replicore/bun: decode shards: %w", err)
		}
	}
	return state, nil
}

// ── Cluster view model ────────────────────────────────────────────

type viewModel struct {
	bun.BaseModel `bun:"table:replicore_cluster_views"`

	ClusterID   string          `bun:"cluster_id,pk"`
	DisplayName string          `bun:"display_name"`
	Generation  int64           `bun:"generation,notnull,default:0"`
	Nodes       json.RawMessage `bun:"nodes,type:jsonb"`
	Shards      json.RawMessage `bun:"shards,type:jsonb"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

func toViewModel(view *fleet.ClusterView) (*viewModel, error) {
	nodes, err := json.Marshal(view.Nodes)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: encode view nodes: %w", err)
	}
	shards, err := json.Marshal(view.Shards)
	if err != nil {
		return nil, fmt.Errorf("replicore/bun: encode view shards: %w", err)
	}
	return &viewModel{
		ClusterID:   view.ClusterID,
		DisplayName: view.DisplayName,
		Generation:  view.Generation,
		Nodes:       nodes,
		Shards:      shards,
		CreatedAt:   view.CreatedAt,
		UpdatedAt:   view.UpdatedAt,
	}, nil
}

func fromViewModel(m *viewModel) (*fleet.ClusterView, error) {
	view := &fleet.ClusterView{
		Entity: replicore.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ClusterID:   m.ClusterID,
		DisplayName: m.DisplayName,
		Generation:  m.Generation,
		Nodes:       make(map[string]*fleet.NodeState),
		Shards:      make(map[string][]fleet.ShardAllocation),
	}
	if len(m.Nodes) > 0 {
		if err := json.Unmarshal(m.Nodes, &view.Nodes); err != nil {
			return nil, fmt.Errorf("replicore/bun: decode view nodes: %w", err)
		}
	}
	if len(m.Shards) > 0 {
		if err := json.Unmarshal(m.Shards, &view.Shards); err != nil {
			return nil, fmt.Errorf("replicore/bun: decode view shards: %w", err)
		}
	}
	return view, nil
}

// ── Action model ──────────────────────────────────────────────────

type actionModel struct {
	bun.BaseModel `bun:"table:replicore_actions"`

	ClusterID    string          `bun:"cluster_id,pk"`
	ID           string          `bun:"id,pk"`
	NodeID       string          `bun:"node_id,notnull"`
	Kind         string          `bun:"kind,notnull"`
	Args         json.RawMessage `bun:"args,type:jsonb"`
	State        string          `bun:"state,notnull"`
	Requester    string          `bun:"requester"`
	StatePayload json.RawMessage `bun:"state_payload,type:jsonb"`
	Finished     *time.Time      `bun:"finished"`
	CreatedAt    time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

func toActionModel(a *action.Action) *actionModel {
	return &actionModel{
		ClusterID:    a.ClusterID,
		ID:           a.ID,
		NodeID:       a.NodeID,
		Kind:         a.Kind,
		Args:         a.Args,
		State:        string(a.State),
		Requester:    a.Requester,
		StatePayload: a.StatePayload,
		Finished:     a.Finished,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func fromActionModel(m *actionModel) *action.Action {
	return &action.Action{
		Entity: replicore.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           m.ID,
		ClusterID:    m.ClusterID,
		NodeID:       m.NodeID,
		Kind:         m.Kind,
		Args:         m.Args,
		State:        action.State(m.State),
		Requester:    m.Requester,
		StatePayload: m.StatePayload,
		Finished:     m.Finished,
	}
}

// ── Transition model ──────────────────────────────────────────────

type transitionModel struct {
	bun.BaseModel `bun:"table:replicore_action_transitions"`

	Seq       int64           `bun:"seq,pk,autoincrement"`
	ClusterID string          `bun:"cluster_id,notnull"`
	ActionID  string          `bun:"action_id,notnull"`
	FromState string          `bun:"from_state,notnull"`
	ToState   string          `bun:"to_state,notnull"`
	Payload   json.RawMessage `bun:"payload,type:jsonb"`
	Timestamp time.Time       `bun:"timestamp,notnull"`
}

func toTransitionModel(tr *action.Transition) *transitionModel {
	return &transitionModel{
		ClusterID: tr.ClusterID,
		ActionID:  tr.ActionID,
		FromState: string(tr.From),
		ToState:   string(tr.To),
		Payload:   tr.Payload,
		Timestamp: tr.Timestamp,
	}
}

func fromTransitionModel(m *transitionModel) *action.Transition {
	return &action.Transition{
		ActionID:  m.ActionID,
		ClusterID: m.ClusterID,
		From:      action.State(m.FromState),
		To:        action.State(m.ToState),
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
	}
}
