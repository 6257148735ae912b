// Package janitor runs the periodic cleanup loop: purging stale
// coordination artifacts left behind by dead processes and expiring
// finished action records past their retention window.
//
// Like the schedulers, the janitor runs in every process but only the
// election primary executes cleanup. Cleanup is best-effort: a failed
// pass logs and waits for the next interval.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/hooks"
)

// Resource is the election resource gating the cleanup loop.
const Resource = "janitor"

// Option configures the Janitor.
type Option func(*Janitor)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithInterval sets the period between cleanup passes.
func WithInterval(d time.Duration) Option {
	return func(j *Janitor) { j.interval = d }
}

// WithBatchLimit bounds how many records a single pass may remove from
// each source.
func WithBatchLimit(n int) Option {
	return func(j *Janitor) { j.batchLimit = n }
}

// WithActionTTL sets how long finished actions are retained before the
// janitor deletes them. Zero disables action expiry.
func WithActionTTL(d time.Duration) Option {
	return func(j *Janitor) { j.actionTTL = d }
}

// WithHooks sets the extension registry notified of election changes.
func WithHooks(registry *hooks.Registry) Option {
	return func(j *Janitor) { j.hooks = registry }
}

// Janitor owns the cleanup loop. Batch limits bound each pass so
// cleanup never monopolizes the coordination backend or the store.
type Janitor struct {
	coord   coordinator.Coordinator
	actions action.Store
	hooks   *hooks.Registry
	logger  *slog.Logger

	interval   time.Duration
	batchLimit int
	actionTTL  time.Duration

	election coordinator.ElectionHandle
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a janitor. Defaults: hourly passes, batches of 1000,
// finished actions retained for 14 days.
func New(coord coordinator.Coordinator, actions action.Store, opts ...Option) *Janitor {
	j := &Janitor{
		coord:      coord,
		actions:    actions,
		logger:     slog.Default(),
		interval:   time.Hour,
		batchLimit: 1000,
		actionTTL:  14 * 24 * time.Hour,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start joins the election and launches the cleanup loop.
func (j *Janitor) Start(ctx context.Context) error {
	election, err := j.coord.Elect(ctx, Resource)
	if err != nil {
		return fmt.Errorf("replicore/janitor: join election: %w", err)
	}
	j.election = election

	j.wg.Add(2)
	go j.watchElection()
	go j.runLoop()
	j.logger.Info("janitor started",
		slog.Duration("interval", j.interval),
		slog.Int("batch_limit", j.batchLimit),
	)
	return nil
}

// Stop signals the janitor to stop and leaves the election.
func (j *Janitor) Stop(_ context.Context) error {
	close(j.stopCh)
	j.wg.Wait()
	if j.election != nil {
		if err := j.election.Close(); err != nil {
			return err
		}
	}
	j.logger.Info("janitor stopped")
	return nil
}

// watchElection forwards role changes to logging and hooks.
func (j *Janitor) watchElection() {
	defer j.wg.Done()
	for {
		select {
		case <-j.stopCh:
			return
		case role, ok := <-j.election.Changes():
			if !ok {
				return
			}
			j.logger.Info("janitor election changed", slog.String("role", string(role)))
			if j.hooks != nil {
				j.hooks.EmitElectionChanged(context.Background(), Resource, role)
			}
		}
	}
}

// runLoop fires a cleanup pass each interval while this process is the
// primary.
func (j *Janitor) runLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if j.election.Role() != coordinator.RolePrimary {
				continue
			}
			j.RunOnce(context.Background())
		}
	}
}

// RunOnce executes a single cleanup pass. Exposed so operators can
// trigger cleanup outside the interval.
func (j *Janitor) RunOnce(ctx context.Context) {
	j.purgeCoordination(ctx)
	j.expireActions(ctx)
}

// purgeCoordination removes stale election and lock artifacts.
func (j *Janitor) purgeCoordination(ctx context.Context) {
	purged, err := j.coord.PurgeStale(ctx, j.batchLimit)
	if err != nil {
		j.logger.Error("coordination purge error", slog.String("error", err.Error()))
		return
	}
	if purged > 0 {
		j.logger.Info("purged stale coordination artifacts", slog.Int("purged", purged))
	}
}

// expireActions deletes finished actions past the retention window.
func (j *Janitor) expireActions(ctx context.Context) {
	if j.actionTTL <= 0 {
		return
	}

	cutoff := time.Now().UTC().Add(-j.actionTTL)
	expired, err := j.actions.ListFinishedBefore(ctx, cutoff, j.batchLimit)
	if err != nil {
		j.logger.Error("action expiry scan error", slog.String("error", err.Error()))
		return
	}

	deleted := 0
	for _, a := range expired {
		if err := j.actions.Delete(ctx, a.ClusterID, a.ID); err != nil {
			j.logger.Error("action expiry delete error",
				slog.String("cluster_id", a.ClusterID),
				slog.String("action_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		j.logger.Info("expired finished actions",
			slog.Int("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
}
