// Package memory implements coordinator.Coordinator in process memory.
//
// A single Backend holds the shared lease state; every Coordinator bound
// to it behaves like one process talking to the same coordination
// service. Intended for unit testing (lock contention and failover
// simulation) and single-node development.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/id"
)

// lease is one election or lock entry in the backend.
type lease struct {
	holder    string
	term      uint64
	expiresAt time.Time
}

func (l *lease) expired(now time.Time) bool {
	return now.After(l.expiresAt)
}

// Backend is the shared in-memory coordination state. Safe for
// concurrent use by any number of Coordinators.
type Backend struct {
	mu        sync.Mutex
	elections map[string]*lease
	locks     map[string]*lease
	available bool
}

// NewBackend creates an empty, available backend.
func NewBackend() *Backend {
	return &Backend{
		elections: make(map[string]*lease),
		locks:     make(map[string]*lease),
		available: true,
	}
}

// SetAvailable simulates losing (false) or regaining (true) connectivity
// to the coordination service. While unavailable every handle reports
// lease loss.
func (b *Backend) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	b.mu.Unlock()
}

// ExpireLock force-expires the lock for a resource, simulating lease
// expiry after a holder crash.
func (b *Backend) ExpireLock(resource string) {
	b.mu.Lock()
	delete(b.locks, resource)
	b.mu.Unlock()
}

// ExpireElection force-expires the election lease for a resource.
func (b *Backend) ExpireElection(resource string) {
	b.mu.Lock()
	delete(b.elections, resource)
	b.mu.Unlock()
}

// ElectionHolder returns the current holder of an election lease, or ""
// when there is none.
func (b *Backend) ElectionHolder(resource string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.elections[resource]
	if l == nil || l.expired(time.Now()) {
		return ""
	}
	return l.holder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithLeaseTTL sets the election/lock lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.leaseTTL = ttl }
}

// WithTickInterval sets how often election handles re-check their lease.
// Defaults to half the lease TTL.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tick = d }
}

// WithMaxTerms sets the renewal count after which a primary voluntarily
// steps down. Zero disables voluntary step-down.
func WithMaxTerms(n int) Option {
	return func(c *Coordinator) { c.maxTerms = n }
}

// Coordinator implements coordinator.Coordinator against a Backend.
// Each Coordinator represents one process.
type Coordinator struct {
	backend   *Backend
	processID id.ProcessID
	logger    *slog.Logger
	leaseTTL  time.Duration
	tick      time.Duration
	maxTerms  int

	mu        sync.Mutex
	elections []*election
	locks     []*lock
	closed    bool
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

// New creates a Coordinator bound to the given backend.
func New(backend *Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:   backend,
		processID: id.NewProcessID(),
		logger:    slog.Default(),
		leaseTTL:  15 * time.Second,
		maxTerms:  0,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tick <= 0 {
		c.tick = c.leaseTTL / 2
	}
	return c
}

// ProcessID returns this coordinator's holder identity.
func (c *Coordinator) ProcessID() id.ProcessID { return c.processID }

// Elect joins the election for a resource. The returned handle starts as
// Candidate and drives itself from a background goroutine.
func (c *Coordinator) Elect(_ context.Context, resource string) (coordinator.ElectionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, replicore.ErrElectionClosed
	}

	e := &election{
		coord:    c,
		resource: resource,
		role:     coordinator.RoleCandidate,
		changes:  make(chan coordinator.Role, 16),
		stopCh:   make(chan struct{}),
	}
	c.elections = append(c.elections, e)

	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// TryLock attempts to acquire the lock for a resource without queueing.
func (c *Coordinator) TryLock(_ context.Context, resource string) (coordinator.LockHandle, error) {
	b := c.backend
	now := time.Now()
	holder := c.processID.String()

	b.mu.Lock()
	if !b.available {
		b.mu.Unlock()
		return nil, replicore.ErrCoordinatorDown
	}
	existing := b.locks[resource]
	if existing != nil && !existing.expired(now) && existing.holder != holder {
		b.mu.Unlock()
		return nil, replicore.ErrLockHeld
	}
	b.locks[resource] = &lease{holder: holder, expiresAt: now.Add(c.leaseTTL)}
	b.mu.Unlock()

	l := &lock{
		coord:    c,
		resource: resource,
		stopCh:   make(chan struct{}),
	}
	c.mu.Lock()
	c.locks = append(c.locks, l)
	c.mu.Unlock()

	l.wg.Add(1)
	go l.renewLoop()
	return l, nil
}

// PurgeStale deletes up to limit expired election and lock entries.
func (c *Coordinator) PurgeStale(_ context.Context, limit int) (int, error) {
	b := c.backend
	now := time.Now()
	purged := 0

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return 0, replicore.ErrCoordinatorDown
	}
	for resource, l := range b.elections {
		if purged >= limit {
			return purged, nil
		}
		if l.expired(now) {
			delete(b.elections, resource)
			purged++
		}
	}
	for resource, l := range b.locks {
		if purged >= limit {
			return purged, nil
		}
		if l.expired(now) {
			delete(b.locks, resource)
			purged++
		}
	}
	return purged, nil
}

// Close releases every lease held through this coordinator.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	elections := c.elections
	locks := c.locks
	c.mu.Unlock()

	for _, e := range elections {
		_ = e.Close() //nolint:errcheck // best-effort shutdown
	}
	for _, l := range locks {
		_ = l.Release(context.Background()) //nolint:errcheck // best-effort shutdown
	}
	return nil
}
