package orchestrator

import (
	"context"
	"time"

	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/scheduler"
)

// Source adapts cluster specs to the scheduler: enabled clusters whose
// refresh is due become orchestrate tasks.
type Source struct {
	store fleet.Store
}

var _ scheduler.Source = (*Source)(nil)

// NewSource creates the scheduler source for orchestrate work.
func NewSource(store fleet.Store) *Source {
	return &Source{store: store}
}

// Kind names the resource kind for elections and logs.
func (s *Source) Kind() string { return "orchestrate" }

// Queue names the task queue orchestrate work goes to.
func (s *Source) Queue() string { return "orchestrate" }

// Due lists enabled specs whose next refresh has passed.
func (s *Source) Due(ctx context.Context, now time.Time) ([]scheduler.Record, error) {
	specs, err := s.store.ListDueRefreshes(ctx, now)
	if err != nil {
		return nil, err
	}
	due := make([]scheduler.Record, 0, len(specs))
	for _, spec := range specs {
		due = append(due, scheduler.Record{
			ClusterID: spec.ClusterID,
			Schedule:  spec.RefreshSchedule,
		})
	}
	return due, nil
}

// Advance moves a spec's next refresh forward.
func (s *Source) Advance(ctx context.Context, clusterID string, next time.Time) error {
	return s.store.AdvanceRefresh(ctx, clusterID, next)
}
