// Package scheduler runs the periodic loops that turn due fleet
// records into queued tasks. One scheduler instance runs per kind
// (discovery, orchestrate) in every process, but only the process
// holding the kind's election executes scheduling logic; the others
// idle and watch.
//
// Schedulers advance a record's next-run timestamp at enqueue time,
// before the task executes. This optimistic advance prevents duplicate
// scheduling when execution is slow, accepting an occasionally missed
// interval when execution outlasts it. Exclusivity for the enqueued
// work is the worker's responsibility, never the scheduler's.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/taskqueue"
)

// Payload is the task body schedulers enqueue and workers decode.
type Payload struct {
	ClusterID string `json:"cluster_id"`
}

// EncodePayload marshals a task payload.
func EncodePayload(clusterID string) ([]byte, error) {
	data, err := json.Marshal(Payload{ClusterID: clusterID})
	if err != nil {
		return nil, fmt.Errorf("replicore/scheduler: encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a task payload.
func DecodePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("replicore/scheduler: decode payload: %w", err)
	}
	return &p, nil
}

// Record is one schedulable entry as seen by the scheduler.
type Record struct {
	ClusterID string

	// Schedule is an optional cron expression overriding the scheduler
	// interval for this record. Empty means interval-based.
	Schedule string
}

// Source abstracts the records a scheduler scans: discovery records for
// the discovery scheduler, cluster specs for the orchestration one.
type Source interface {
	// Kind names the resource kind, used for the election resource and
	// logging.
	Kind() string

	// Queue names the task queue this source's work goes to.
	Queue() string

	// Due lists records whose next run is at or before now.
	Due(ctx context.Context, now time.Time) ([]Record, error)

	// Advance moves a record's next run forward. Called at enqueue
	// time, before the task executes.
	Advance(ctx context.Context, clusterID string, next time.Time) error
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInterval sets the default period between runs of the same record.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithTickInterval sets how often the scheduler checks for due records.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithRetryPolicy sets the retry policy stamped on enqueued tasks.
func WithRetryPolicy(policy taskqueue.RetryPolicy) Option {
	return func(s *Scheduler) { s.retryPolicy = policy }
}

// WithHooks sets the extension registry notified of lifecycle events.
func WithHooks(registry *hooks.Registry) Option {
	return func(s *Scheduler) { s.hooks = registry }
}

// Scheduler scans a Source on a tick loop and enqueues tasks for due
// records. Gated by an election: only the PRIMARY for
// "scheduler:<kind>" executes scheduling logic.
type Scheduler struct {
	source Source
	coord  coordinator.Coordinator
	queue  taskqueue.Queue
	hooks  *hooks.Registry
	logger *slog.Logger

	interval     time.Duration
	tickInterval time.Duration
	retryPolicy  taskqueue.RetryPolicy

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	election coordinator.ElectionHandle
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler over a source.
func New(source Source, coord coordinator.Coordinator, queue taskqueue.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:       source,
		coord:        coord,
		queue:        queue,
		logger:       slog.Default(),
		interval:     60 * time.Second,
		tickInterval: time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resource returns the election resource gating this scheduler.
func (s *Scheduler) Resource() string {
	return "scheduler:" + s.source.Kind()
}

// Start joins the election and launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	election, err := s.coord.Elect(ctx, s.Resource())
	if err != nil {
		return fmt.Errorf("replicore/scheduler: join election %s: %w", s.Resource(), err)
	}
	s.election = election

	s.wg.Add(2)
	go s.watchElection()
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("kind", s.source.Kind()),
		slog.Duration("interval", s.interval),
	)
	return nil
}

// Stop signals the scheduler to stop and leaves the election.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	if s.election != nil {
		if err := s.election.Close(); err != nil {
			return err
		}
	}
	s.logger.Info("scheduler stopped", slog.String("kind", s.source.Kind()))
	return nil
}

// watchElection forwards role changes to logging and hooks.
func (s *Scheduler) watchElection() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case role, ok := <-s.election.Changes():
			if !ok {
				return
			}
			s.logger.Info("scheduler election changed",
				slog.String("kind", s.source.Kind()),
				slog.String("role", string(role)),
			)
			if s.hooks != nil {
				s.hooks.EmitElectionChanged(context.Background(), s.Resource(), role)
			}
		}
	}
}

// tickLoop fires on each tick interval and processes due records when
// this process is the primary.
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.election.Role() != coordinator.RolePrimary {
				continue
			}
			s.tick(context.Background())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.source.Due(ctx, now)
	if err != nil {
		s.logger.Error("scheduler scan error",
			slog.String("kind", s.source.Kind()),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, record := range due {
		s.fire(ctx, record, now)
	}
}

// fire enqueues a task for a due record and advances its next run
// before the task executes.
func (s *Scheduler) fire(ctx context.Context, record Record, now time.Time) {
	payload, err := EncodePayload(record.ClusterID)
	if err != nil {
		s.logger.Error("scheduler payload error",
			slog.String("kind", s.source.Kind()),
			slog.String("cluster_id", record.ClusterID),
			slog.String("error", err.Error()),
		)
		return
	}

	task, err := s.queue.Enqueue(ctx, s.source.Queue(), payload, s.retryPolicy)
	if err != nil {
		// Leave next_schedule untouched so the next tick retries.
		s.logger.Error("scheduler enqueue error",
			slog.String("kind", s.source.Kind()),
			slog.String("cluster_id", record.ClusterID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.hooks != nil {
		s.hooks.EmitTaskEnqueued(ctx, task)
	}

	next := s.nextRun(record, now)
	if err := s.source.Advance(ctx, record.ClusterID, next); err != nil {
		s.logger.Error("scheduler advance error",
			slog.String("kind", s.source.Kind()),
			slog.String("cluster_id", record.ClusterID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("scheduler fired",
		slog.String("kind", s.source.Kind()),
		slog.String("cluster_id", record.ClusterID),
		slog.String("task_id", task.ID.String()),
		slog.Time("next_run", next),
	)
}

// nextRun computes a record's next run: its cron schedule when set, the
// scheduler interval otherwise. Unparseable schedules fall back to the
// interval rather than stalling the record.
func (s *Scheduler) nextRun(record Record, now time.Time) time.Time {
	if record.Schedule == "" {
		return now.Add(s.interval)
	}
	sched, err := s.schedule(record.Schedule)
	if err != nil {
		s.logger.Error("scheduler schedule parse error",
			slog.String("kind", s.source.Kind()),
			slog.String("cluster_id", record.ClusterID),
			slog.String("schedule", record.Schedule),
			slog.String("error", err.Error()),
		)
		return now.Add(s.interval)
	}
	return sched.Next(now)
}

// schedule caches parsed cron expressions.
func (s *Scheduler) schedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
