// Package memory implements the fleet and action stores in process
// memory. Intended for unit testing and single-node development; one
// Store instance implements every persistence interface the control
// plane consumes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/fleet"
)

// Store is an in-memory store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	discoveries map[string]*fleet.DiscoveryRecord
	specs       map[string]*fleet.ClusterSpec
	nodes       map[string]map[string]*fleet.NodeState // cluster → node → state
	views       map[string]*fleet.ClusterView

	actions     map[string]map[string]*action.Action       // cluster → action → record
	transitions map[string]map[string][]*action.Transition // cluster → action → log
}

var (
	_ fleet.Store  = (*Store)(nil)
	_ action.Store = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		discoveries: make(map[string]*fleet.DiscoveryRecord),
		specs:       make(map[string]*fleet.ClusterSpec),
		nodes:       make(map[string]map[string]*fleet.NodeState),
		views:       make(map[string]*fleet.ClusterView),
		actions:     make(map[string]map[string]*action.Action),
		transitions: make(map[string]map[string][]*action.Transition),
	}
}

// ── fleet.Store: discovery records ──

func (s *Store) GetDiscovery(_ context.Context, clusterID string) (*fleet.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.discoveries[clusterID]
	if !ok {
		return nil, replicore.ErrDiscoveryNotFound
	}
	out := *record
	out.NodeAddresses = append([]string(nil), record.NodeAddresses...)
	return &out, nil
}

func (s *Store) PutDiscovery(_ context.Context, record *fleet.DiscoveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *record
	stored.NodeAddresses = append([]string(nil), record.NodeAddresses...)
	s.discoveries[record.ClusterID] = &stored
	return nil
}

func (s *Store) ListDueDiscoveries(_ context.Context, now time.Time) ([]*fleet.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*fleet.DiscoveryRecord
	for _, record := range s.discoveries {
		if !record.NextSchedule.After(now) {
			out := *record
			due = append(due, &out)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ClusterID < due[j].ClusterID })
	return due, nil
}

func (s *Store) AdvanceDiscovery(_ context.Context, clusterID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.discoveries[clusterID]
	if !ok {
		return replicore.ErrDiscoveryNotFound
	}
	record.NextSchedule = next
	record.Touch()
	return nil
}

// ── fleet.Store: cluster specs ──

func (s *Store) GetSpec(_ context.Context, clusterID string) (*fleet.ClusterSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[clusterID]
	if !ok {
		return nil, replicore.ErrSpecNotFound
	}
	out := *spec
	return &out, nil
}

func (s *Store) PutSpec(_ context.Context, spec *fleet.ClusterSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *spec
	s.specs[spec.ClusterID] = &stored
	return nil
}

func (s *Store) ListDueRefreshes(_ context.Context, now time.Time) ([]*fleet.ClusterSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*fleet.ClusterSpec
	for _, spec := range s.specs {
		if spec.Enabled && !spec.NextRefresh.After(now) {
			out := *spec
			due = append(due, &out)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ClusterID < due[j].ClusterID })
	return due, nil
}

func (s *Store) AdvanceRefresh(_ context.Context, clusterID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[clusterID]
	if !ok {
		return replicore.ErrSpecNotFound
	}
	spec.NextRefresh = next
	spec.Touch()
	return nil
}

// ── fleet.Store: node state ──

func (s *Store) GetNodeState(_ context.Context, clusterID, nodeID string) (*fleet.NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.nodes[clusterID][nodeID]
	if !ok {
		return nil, replicore.ErrNodeNotFound
	}
	out := copyNodeState(state)
	return out, nil
}

func (s *Store) PutNodeState(_ context.Context, state *fleet.NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.nodes[state.ClusterID]
	if !ok {
		cluster = make(map[string]*fleet.NodeState)
		s.nodes[state.ClusterID] = cluster
	}
	cluster[state.NodeID] = copyNodeState(state)
	return nil
}

func (s *Store) ListNodeStates(_ context.Context, clusterID string) ([]*fleet.NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cluster := s.nodes[clusterID]
	states := make([]*fleet.NodeState, 0, len(cluster))
	for _, state := range cluster {
		states = append(states, copyNodeState(state))
	}
	sort.Slice(states, func(i, j int) bool { return states[i].NodeID < states[j].NodeID })
	return states, nil
}

// ── fleet.Store: views ──

func (s *Store) GetView(_ context.Context, clusterID string) (*fleet.ClusterView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[clusterID]
	if !ok {
		return nil, replicore.ErrViewNotFound
	}
	return copyView(view), nil
}

func (s *Store) PutView(_ context.Context, view *fleet.ClusterView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.ClusterID] = copyView(view)
	return nil
}

// ── action.Store ──

func (s *Store) Get(_ context.Context, clusterID, actionID string) (*action.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[clusterID][actionID]
	if !ok {
		return nil, replicore.ErrActionNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) Create(_ context.Context, a *action.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.actions[a.ClusterID]
	if !ok {
		cluster = make(map[string]*action.Action)
		s.actions[a.ClusterID] = cluster
	}
	if _, exists := cluster[a.ID]; exists {
		return replicore.ErrActionExists
	}
	stored := *a
	cluster[a.ID] = &stored
	return nil
}

func (s *Store) Update(_ context.Context, a *action.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.actions[a.ClusterID]
	if !ok || cluster[a.ID] == nil {
		return replicore.ErrActionNotFound
	}
	stored := *a
	cluster[a.ID] = &stored
	return nil
}

func (s *Store) Delete(_ context.Context, clusterID, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.actions[clusterID]
	if !ok || cluster[actionID] == nil {
		return replicore.ErrActionNotFound
	}
	delete(cluster, actionID)
	if log, ok := s.transitions[clusterID]; ok {
		delete(log, actionID)
	}
	return nil
}

func (s *Store) ListPendingSchedule(_ context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listByState(clusterID, nodeID, func(state action.State) bool {
		return state == action.StatePendingSchedule
	})
}

func (s *Store) ListUnfinished(_ context.Context, clusterID, nodeID string) ([]*action.Action, error) {
	return s.listByState(clusterID, nodeID, func(state action.State) bool {
		return state == action.StateNew || state == action.StateRunning
	})
}

func (s *Store) listByState(clusterID, nodeID string, match func(action.State) bool) ([]*action.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*action.Action
	for _, a := range s.actions[clusterID] {
		if a.NodeID != nodeID || !match(a.State) {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	// Oldest first so handoff order matches request order.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]*action.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*action.Action
	for _, cluster := range s.actions {
		for _, a := range cluster {
			if a.Finished == nil || !a.Finished.Before(cutoff) {
				continue
			}
			copied := *a
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Finished.Before(*out[j].Finished) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendTransition(_ context.Context, tr *action.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cluster, ok := s.transitions[tr.ClusterID]
	if !ok {
		cluster = make(map[string][]*action.Transition)
		s.transitions[tr.ClusterID] = cluster
	}
	stored := *tr
	cluster[tr.ActionID] = append(cluster[tr.ActionID], &stored)
	return nil
}

func (s *Store) ListTransitions(_ context.Context, clusterID, actionID string) ([]*action.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.transitions[clusterID][actionID]
	out := make([]*action.Transition, len(log))
	for i, tr := range log {
		copied := *tr
		out[i] = &copied
	}
	return out, nil
}

// ── copies ──

func copyNodeState(state *fleet.NodeState) *fleet.NodeState {
	out := *state
	if state.AgentInfo != nil {
		info := *state.AgentInfo
		out.AgentInfo = &info
	}
	out.Shards = append([]fleet.ShardState(nil), state.Shards...)
	return &out
}

func copyView(view *fleet.ClusterView) *fleet.ClusterView {
	out := *view
	out.Nodes = make(map[string]*fleet.NodeState, len(view.Nodes))
	for nodeID, state := range view.Nodes {
		out.Nodes[nodeID] = copyNodeState(state)
	}
	out.Shards = make(map[string][]fleet.ShardAllocation, len(view.Shards))
	for shardID, allocs := range view.Shards {
		out.Shards[shardID] = append([]fleet.ShardAllocation(nil), allocs...)
	}
	return &out
}
