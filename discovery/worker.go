package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/scheduler"
)

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithHooks sets the extension registry notified of lifecycle events.
func WithHooks(registry *hooks.Registry) WorkerOption {
	return func(w *Worker) { w.hooks = registry }
}

// Worker processes discovery tasks: it queries the discovery backend
// for a cluster's current node list and rewrites the discovery record.
// Writes are wholesale and idempotent, so no cluster lock is taken.
type Worker struct {
	store   fleet.Store
	backend Backend
	emitter events.Emitter
	hooks   *hooks.Registry
	logger  *slog.Logger
}

// NewWorker creates a discovery worker.
func NewWorker(store fleet.Store, backend Backend, emitter events.Emitter, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:   store,
		backend: backend,
		emitter: emitter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one discovery task.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	p, err := scheduler.DecodePayload(payload)
	if err != nil {
		return err
	}
	return w.discover(ctx, p.ClusterID)
}

func (w *Worker) discover(ctx context.Context, clusterID string) error {
	found, err := w.backend.Discover(ctx, clusterID)
	if errors.Is(err, replicore.ErrDiscoveryNotFound) {
		// The cluster left the discovery backend; keep the last known
		// record and stop retrying this task.
		w.logger.Warn("cluster no longer discoverable",
			slog.String("cluster_id", clusterID),
		)
		return fmt.Errorf("cluster %s: %w", clusterID, replicore.ErrSkipTask)
	}
	if err != nil {
		return fmt.Errorf("replicore/discovery: discover %s: %w", clusterID, err)
	}

	record, err := w.store.GetDiscovery(ctx, clusterID)
	isNew := errors.Is(err, replicore.ErrDiscoveryNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("replicore/discovery: load record %s: %w", clusterID, err)
	}
	if isNew {
		record = &fleet.DiscoveryRecord{
			Entity:    replicore.NewEntity(),
			ClusterID: clusterID,
		}
	}

	changed := record.DisplayName != found.DisplayName ||
		!equalAddresses(record.NodeAddresses, found.NodeAddresses)
	record.DisplayName = found.DisplayName
	record.NodeAddresses = append([]string(nil), found.NodeAddresses...)
	record.Touch()

	if err := w.store.PutDiscovery(ctx, record); err != nil {
		return fmt.Errorf("replicore/discovery: put record %s: %w", clusterID, err)
	}
	if err := w.ensureSpec(ctx, clusterID); err != nil {
		return err
	}

	if isNew {
		w.emit(ctx, events.CodeClusterNew, record)
	} else if changed {
		w.emit(ctx, events.CodeClusterChanged, record)
	}
	if w.hooks != nil {
		w.hooks.EmitDiscoveryUpdated(ctx, record)
	}

	w.logger.Debug("discovery record updated",
		slog.String("cluster_id", clusterID),
		slog.Int("nodes", len(record.NodeAddresses)),
		slog.Bool("new", isNew),
	)
	return nil
}

// ensureSpec creates the orchestration record for a newly discovered
// cluster so the orchestration scheduler picks it up immediately.
func (w *Worker) ensureSpec(ctx context.Context, clusterID string) error {
	_, err := w.store.GetSpec(ctx, clusterID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, replicore.ErrSpecNotFound) {
		return fmt.Errorf("replicore/discovery: load spec %s: %w", clusterID, err)
	}
	spec := &fleet.ClusterSpec{
		Entity:      replicore.NewEntity(),
		ClusterID:   clusterID,
		Enabled:     true,
		NextRefresh: time.Now().UTC(),
	}
	if err := w.store.PutSpec(ctx, spec); err != nil {
		return fmt.Errorf("replicore/discovery: put spec %s: %w", clusterID, err)
	}
	return nil
}

// Seed creates due discovery records for clusters the backend knows but
// the store has never seen. Called once at process startup.
func (w *Worker) Seed(ctx context.Context) error {
	clusterIDs, err := w.backend.Clusters(ctx)
	if err != nil {
		return fmt.Errorf("replicore/discovery: list clusters: %w", err)
	}
	now := time.Now().UTC()
	for _, clusterID := range clusterIDs {
		_, err := w.store.GetDiscovery(ctx, clusterID)
		if err == nil {
			continue
		}
		if !errors.Is(err, replicore.ErrDiscoveryNotFound) {
			return fmt.Errorf("replicore/discovery: load record %s: %w", clusterID, err)
		}
		record := &fleet.DiscoveryRecord{
			Entity:       replicore.NewEntity(),
			ClusterID:    clusterID,
			NextSchedule: now,
		}
		if err := w.store.PutDiscovery(ctx, record); err != nil {
			return fmt.Errorf("replicore/discovery: seed record %s: %w", clusterID, err)
		}
		w.logger.Info("seeded discovery record", slog.String("cluster_id", clusterID))
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, code events.Code, record *fleet.DiscoveryRecord) {
	event, err := events.New(code, record.ClusterID, record)
	if err != nil {
		w.logger.Error("discovery event build error",
			slog.String("cluster_id", record.ClusterID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := w.emitter.Emit(ctx, event); err != nil {
		w.logger.Error("discovery event emit error",
			slog.String("cluster_id", record.ClusterID),
			slog.String("error", err.Error()),
		)
		return
	}
	if w.hooks != nil {
		w.hooks.EmitEventEmitted(ctx, event)
	}
}

func equalAddresses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
