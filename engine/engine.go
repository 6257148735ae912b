// Package engine wires all replicore subsystems together: the hook
// registry, middleware chain, worker pool, election-gated schedulers,
// the refresh engine, and the janitor.
//
// This package exists to break the import cycle: the root replicore
// package defines Entity and Core (imported by fleet, action, etc.) and
// so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/action"
	"github.com/replicante-io/replicore/agent"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/discovery"
	"github.com/replicante-io/replicore/events"
	"github.com/replicante-io/replicore/fleet"
	"github.com/replicante-io/replicore/hooks"
	"github.com/replicante-io/replicore/janitor"
	mw "github.com/replicante-io/replicore/middleware"
	"github.com/replicante-io/replicore/observability"
	"github.com/replicante-io/replicore/orchestrator"
	"github.com/replicante-io/replicore/scheduler"
	"github.com/replicante-io/replicore/taskqueue"
	"github.com/replicante-io/replicore/throttle"
	"github.com/replicante-io/replicore/worker"
)

// Engine wraps a Core with fully wired subsystems.
// Use Build() to create one.
type Engine struct {
	core       *replicore.Core
	extensions *hooks.Registry
	logger     *slog.Logger

	fleetStore  fleet.Store
	actionStore action.Store
	coord       coordinator.Coordinator
	queue       taskqueue.Queue

	backend discovery.Backend
	clients agent.Clients
	emitter events.Emitter

	discoveryWorker *discovery.Worker
	refresher       *orchestrator.Orchestrator
	pool            *worker.Pool
	discoverySched  *scheduler.Scheduler
	orchestrateSch  *scheduler.Scheduler
	cleaner         *janitor.Janitor

	mws             []mw.Middleware
	taskTimeout     time.Duration
	throttleConfigs []throttle.Config
	throttleManager *throttle.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithDiscoveryBackend sets the external discovery system the fleet is
// learned from. Required.
func WithDiscoveryBackend(b discovery.Backend) Option {
	return func(eng *Engine) { eng.backend = b }
}

// WithAgentClients sets the agent client factory. Defaults to HTTP
// clients.
func WithAgentClients(c agent.Clients) Option {
	return func(eng *Engine) { eng.clients = c }
}

// WithEmitter sets the event trail transport. Defaults to an in-memory
// recorder, which is only suitable for tests and single-node
// development; production deployments should pass a durable emitter
// such as redisstream.New.
func WithEmitter(em events.Emitter) Option {
	return func(eng *Engine) { eng.emitter = em }
}

// WithExtension registers an extension with the engine's hook registry.
func WithExtension(e hooks.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithThrottleConfig registers queue-level rate limiting and
// concurrency configurations. Queues not listed have no limits.
func WithThrottleConfig(configs ...throttle.Config) Option {
	return func(eng *Engine) { eng.throttleConfigs = append(eng.throttleConfigs, configs...) }
}

// WithTaskTimeout bounds each task execution with a deadline.
// Non-positive disables the deadline. Defaults to disabled.
func WithTaskTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.taskTimeout = d }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build wires an Engine from an existing Core. The Core's store must
// implement fleet.Store and action.Store, its coordinator must be a
// coordinator.Coordinator, and its queue a taskqueue.Queue.
func Build(c *replicore.Core, opts ...Option) (*Engine, error) {
	logger := c.Logger()

	if c.Store() == nil {
		return nil, replicore.ErrNoStore
	}
	if c.Coordinator() == nil {
		return nil, replicore.ErrNoCoordinator
	}
	if c.Queue() == nil {
		return nil, replicore.ErrNoQueue
	}

	fs, ok := c.Store().(fleet.Store)
	if !ok {
		return nil, fmt.Errorf("replicore/engine: store does not implement fleet.Store")
	}
	as, ok := c.Store().(action.Store)
	if !ok {
		return nil, fmt.Errorf("replicore/engine: store does not implement action.Store")
	}
	coord, ok := c.Coordinator().(coordinator.Coordinator)
	if !ok {
		return nil, fmt.Errorf("replicore/engine: coordinator does not implement coordinator.Coordinator")
	}
	queue, ok := c.Queue().(taskqueue.Queue)
	if !ok {
		return nil, fmt.Errorf("replicore/engine: queue does not implement taskqueue.Queue")
	}

	eng := &Engine{
		core:        c,
		extensions:  hooks.NewRegistry(logger),
		logger:      logger,
		fleetStore:  fs,
		actionStore: as,
		coord:       coord,
		queue:       queue,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.backend == nil {
		return nil, fmt.Errorf("replicore/engine: no discovery backend configured")
	}
	if eng.clients == nil {
		eng.clients = agent.NewHTTPClients()
	}
	if eng.emitter == nil {
		eng.emitter = events.NewRecorder()
	}

	// Route queue-level drops through the hook registry so the metrics
	// and audit extensions observe every exhausted task.
	queue.SetDropHandler(func(ctx context.Context, t *taskqueue.Task) {
		eng.extensions.EmitTaskDropped(ctx, t)
	})

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/replicante-io/replicore")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/replicante-io/replicore")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/replicante-io/replicore/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(eng.taskTimeout),
	}
	allMws = append(allMws, eng.mws...)

	cfg := c.Config()
	retryPolicy := taskqueue.RetryPolicy{
		Retries:     cfg.Task.Retries,
		Delay:       cfg.Task.RetryDelay,
		Exponential: true,
		MaxDelay:    5 * time.Minute,
	}

	// Task handlers.
	eng.discoveryWorker = discovery.NewWorker(fs, eng.backend, eng.emitter,
		discovery.WithLogger(logger),
		discovery.WithHooks(eng.extensions),
	)
	eng.refresher = orchestrator.New(coord, fs, as, eng.clients, eng.emitter,
		orchestrator.WithLogger(logger),
		orchestrator.WithNodeTimeout(cfg.Orchestrator.NodeTimeout),
		orchestrator.WithSnapshotFrequency(cfg.Orchestrator.SnapshotFrequency),
		orchestrator.WithHooks(eng.extensions),
	)

	executor := worker.NewExecutor(eng.extensions, logger, allMws...)
	executor.Register(replicore.QueueDiscover, eng.discoveryWorker.Handle)
	executor.Register(replicore.QueueOrchestrate, eng.refresher.Handle)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Worker.Concurrency),
		worker.WithPoolQueues(cfg.Worker.Queues),
		worker.WithScopeFunc(clusterScope),
	}
	if len(eng.throttleConfigs) > 0 {
		eng.throttleManager = throttle.NewManager(eng.throttleConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.throttleManager))
	}
	eng.pool = worker.NewPool(queue, executor, logger, poolOpts...)

	// Election-gated schedulers.
	eng.discoverySched = scheduler.New(discovery.NewSource(fs), coord, queue,
		scheduler.WithLogger(logger),
		scheduler.WithInterval(cfg.Discovery.Interval),
		scheduler.WithTickInterval(cfg.Discovery.TickInterval),
		scheduler.WithRetryPolicy(retryPolicy),
		scheduler.WithHooks(eng.extensions),
	)
	eng.orchestrateSch = scheduler.New(orchestrator.NewSource(fs), coord, queue,
		scheduler.WithLogger(logger),
		scheduler.WithInterval(cfg.Orchestrator.Interval),
		scheduler.WithTickInterval(cfg.Orchestrator.TickInterval),
		scheduler.WithRetryPolicy(retryPolicy),
		scheduler.WithHooks(eng.extensions),
	)

	// Elected cleanup loop.
	eng.cleaner = janitor.New(coord, as,
		janitor.WithLogger(logger),
		janitor.WithInterval(cfg.Janitor.Interval),
		janitor.WithBatchLimit(cfg.Janitor.BatchLimit),
		janitor.WithActionTTL(cfg.Janitor.ActionTTL),
		janitor.WithHooks(eng.extensions),
	)

	// Stop order is the reverse: janitor and schedulers go down first,
	// the pool drains last.
	c.AddRunner(eng.pool)
	c.AddRunner(eng.discoverySched)
	c.AddRunner(eng.orchestrateSch)
	c.AddRunner(eng.cleaner)

	return eng, nil
}

// clusterScope extracts the throttling scope from a task payload.
func clusterScope(t *taskqueue.Task) string {
	p, err := scheduler.DecodePayload(t.Payload)
	if err != nil {
		return ""
	}
	return p.ClusterID
}

// Start seeds discovery records for never-seen clusters, then starts
// all subsystems through the Core.
func (eng *Engine) Start(ctx context.Context) error {
	// Best-effort: a failing discovery backend must not block startup.
	if err := eng.discoveryWorker.Seed(ctx); err != nil {
		eng.logger.Warn("discovery seed error", slog.String("error", err.Error()))
	}
	return eng.core.Start(ctx)
}

// Stop gracefully shuts down all subsystems through the Core.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.core.Stop(ctx)
}

// EnqueueDiscover enqueues an immediate discovery task for a cluster,
// outside the scheduler's cadence.
func (eng *Engine) EnqueueDiscover(ctx context.Context, clusterID string) (*taskqueue.Task, error) {
	return eng.enqueue(ctx, replicore.QueueDiscover, clusterID)
}

// EnqueueOrchestrate enqueues an immediate refresh task for a cluster,
// outside the scheduler's cadence.
func (eng *Engine) EnqueueOrchestrate(ctx context.Context, clusterID string) (*taskqueue.Task, error) {
	return eng.enqueue(ctx, replicore.QueueOrchestrate, clusterID)
}

func (eng *Engine) enqueue(ctx context.Context, queue, clusterID string) (*taskqueue.Task, error) {
	payload, err := scheduler.EncodePayload(clusterID)
	if err != nil {
		return nil, err
	}
	cfg := eng.core.Config()
	task, err := eng.queue.Enqueue(ctx, queue, payload, taskqueue.RetryPolicy{
		Retries: cfg.Task.Retries,
		Delay:   cfg.Task.RetryDelay,
	})
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitTaskEnqueued(ctx, task)
	return task, nil
}

// Core returns the underlying Core.
func (eng *Engine) Core() *replicore.Core { return eng.core }

// Extensions returns the hook registry.
func (eng *Engine) Extensions() *hooks.Registry { return eng.extensions }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Discovery returns the discovery worker.
func (eng *Engine) Discovery() *discovery.Worker { return eng.discoveryWorker }

// Orchestrator returns the refresh engine.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.refresher }

// Janitor returns the cleanup loop.
func (eng *Engine) Janitor() *janitor.Janitor { return eng.cleaner }

// ThrottleManager returns the throttle manager, or nil if no throttle
// configs were provided.
func (eng *Engine) ThrottleManager() *throttle.Manager { return eng.throttleManager }
