package replicore

import (
	"context"
	"log/slog"
)

// Option configures a Core.
type Option func(*Core) error

// Storer is the minimal store interface held by the Core. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Coordinating is the minimal coordinator interface held by the Core.
// The full contract lives in the coordinator package.
type Coordinating interface {
	Close() error
}

// Queuer is the minimal task queue interface held by the Core.
type Queuer interface {
	Close() error
}

// Runner is a startable subsystem (worker pool, scheduler, janitor).
// The engine package registers runners on the Core at build time.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Core is the application context for a replicore process. It owns the
// configuration, the logger, and handles to the external backends, and
// it is passed explicitly into every component — there are no globals.
//
// Create one with New and functional options, then use engine.Build to
// wire the subsystems together.
type Core struct {
	config      Config
	logger      *slog.Logger
	store       Storer
	coordinator Coordinating
	queue       Queuer

	runners []Runner
	started bool
}

// New creates a Core with the given options.
func New(opts ...Option) (*Core, error) {
	c := &Core{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the core's logger.
func (c *Core) Logger() *slog.Logger { return c.logger }

// Store returns the core's store.
func (c *Core) Store() Storer { return c.store }

// Coordinator returns the core's coordinator.
func (c *Core) Coordinator() Coordinating { return c.coordinator }

// Queue returns the core's task queue.
func (c *Core) Queue() Queuer { return c.queue }

// Config returns a copy of the core's configuration.
func (c *Core) Config() Config { return c.config }

// AddRunner registers a subsystem runner (called by the engine package).
func (c *Core) AddRunner(r Runner) { c.runners = append(c.runners, r) }

// Start starts all registered runners in registration order.
func (c *Core) Start(ctx context.Context) error {
	for _, r := range c.runners {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// Stop stops runners in reverse registration order, then closes the
// queue, coordinator, and store. Stop errors on individual subsystems
// are logged, not returned, so shutdown always completes.
func (c *Core) Stop(ctx context.Context) error {
	if c.started {
		for i := len(c.runners) - 1; i >= 0; i-- {
			if err := c.runners[i].Stop(ctx); err != nil {
				c.logger.Error("runner stop error", slog.String("error", err.Error()))
			}
		}
	}
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			c.logger.Error("queue close error", slog.String("error", err.Error()))
		}
	}
	if c.coordinator != nil {
		if err := c.coordinator.Close(); err != nil {
			c.logger.Error("coordinator close error", slog.String("error", err.Error()))
		}
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(c *Core) error {
		c.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the core.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement
// Storer at minimum; typically it is a store.Store, which embeds all
// subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(c *Core) error {
		c.store = s
		return nil
	}
}

// WithCoordinator sets the coordination backend.
func WithCoordinator(co Coordinating) Option {
	return func(c *Core) error {
		c.coordinator = co
		return nil
	}
}

// WithQueue sets the task queue backend.
func WithQueue(q Queuer) Option {
	return func(c *Core) error {
		c.queue = q
		return nil
	}
}
