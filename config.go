package replicore

import "time"

// Queue names used by the core. Schedulers enqueue on these queues and
// the worker pool polls them.
const (
	// QueueDiscover carries cluster discovery tasks.
	QueueDiscover = "discover"
	// QueueOrchestrate carries cluster refresh tasks.
	QueueOrchestrate = "orchestrate"
)

// CoordinatorConfig tunes elections and locks.
type CoordinatorConfig struct {
	// LeaseTTL is the time-to-live for election and lock leases. A
	// process that dies outright frees its resources after this long.
	LeaseTTL time.Duration

	// MaxTerms is the number of lease renewals after which a primary
	// voluntarily steps down and forces a re-election, keeping failover
	// paths exercised. Zero disables voluntary step-down.
	MaxTerms int
}

// DiscoveryConfig tunes the discovery scheduler and worker.
type DiscoveryConfig struct {
	// Interval is the default time between discovery runs for a cluster.
	Interval time.Duration

	// TickInterval is how often the election-gated scheduler scans for
	// due discovery records.
	TickInterval time.Duration
}

// OrchestratorConfig tunes the refresh scheduler and the refresh engine.
type OrchestratorConfig struct {
	// Interval is the default time between refresh cycles for a cluster.
	Interval time.Duration

	// TickInterval is how often the election-gated scheduler scans for
	// due cluster specs.
	TickInterval time.Duration

	// NodeTimeout bounds each agent fetch during a refresh cycle.
	NodeTimeout time.Duration

	// SnapshotFrequency is the number of generations between full-state
	// snapshot events. Snapshots let downstream consumers self-heal from
	// missed incremental events. Zero disables snapshots.
	SnapshotFrequency int64
}

// WorkerConfig tunes the task worker pool.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines pulling tasks.
	Concurrency int

	// Queues is the list of queues the pool consumes.
	Queues []string

	// ShutdownTimeout is the maximum time to wait for in-flight tasks
	// on Stop before their contexts are cancelled.
	ShutdownTimeout time.Duration
}

// JanitorConfig tunes the elected cleanup loop.
type JanitorConfig struct {
	// Interval is the time between cleanup cycles.
	Interval time.Duration

	// BatchLimit caps how many stale records are deleted per cycle,
	// bounding pressure on the coordination backend and the store.
	BatchLimit int

	// ActionTTL is how long terminal actions are retained before purge.
	ActionTTL time.Duration
}

// TaskConfig holds default retry bookkeeping for enqueued tasks.
type TaskConfig struct {
	// Retries is the default number of redeliveries after the first
	// failed attempt.
	Retries int

	// RetryDelay is the default base delay before a redelivery.
	RetryDelay time.Duration
}

// Config holds the full configuration for a Core. Construct with
// DefaultConfig and override fields as needed; there is no implicit
// process-wide state.
type Config struct {
	Coordinator  CoordinatorConfig
	Discovery    DiscoveryConfig
	Orchestrator OrchestratorConfig
	Worker       WorkerConfig
	Janitor      JanitorConfig
	Task         TaskConfig
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			LeaseTTL: 15 * time.Second,
			MaxTerms: 120,
		},
		Discovery: DiscoveryConfig{
			Interval:     5 * time.Minute,
			TickInterval: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Interval:          60 * time.Second,
			TickInterval:      10 * time.Second,
			NodeTimeout:       10 * time.Second,
			SnapshotFrequency: 60,
		},
		Worker: WorkerConfig{
			Concurrency:     8,
			Queues:          []string{QueueDiscover, QueueOrchestrate},
			ShutdownTimeout: 30 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:   5 * time.Minute,
			BatchLimit: 256,
			ActionTTL:  14 * 24 * time.Hour,
		},
		Task: TaskConfig{
			Retries:    3,
			RetryDelay: 5 * time.Second,
		},
	}
}
