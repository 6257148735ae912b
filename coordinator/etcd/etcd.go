// Package etcd implements coordinator.Coordinator on etcd leases.
//
// Elections and locks are leased keys created with compare-and-create
// transactions: the key exists while its holder renews the lease, and
// etcd expires it automatically when the holder dies. Election handles
// additionally watch their key so secondaries campaign as soon as the
// primary's key is deleted instead of waiting for the next tick.
//
// Usage:
//
//	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
//	coord := etcd.New(cli)
//	defer coord.Close()
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/coordinator"
	"github.com/replicante-io/replicore/id"
)

// DefaultNamespace is the key prefix for coordination artifacts.
const DefaultNamespace = "/replicore/coordinator"

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithNamespace sets the key prefix for election and lock keys.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) { c.namespace = ns }
}

// WithLeaseTTL sets the lease TTL. Rounded up to a whole second (etcd
// lease granularity).
func WithLeaseTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.leaseTTL = ttl }
}

// WithMaxTerms sets the renewal count after which a primary voluntarily
// steps down. Zero disables voluntary step-down.
func WithMaxTerms(n int) Option {
	return func(c *Coordinator) { c.maxTerms = n }
}

// WithTickInterval sets how often election handles renew or campaign.
// Defaults to half the lease TTL.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tick = d }
}

// Coordinator implements coordinator.Coordinator backed by etcd.
// The caller owns the etcd client lifecycle; Close never closes it.
type Coordinator struct {
	client    *clientv3.Client
	processID id.ProcessID
	logger    *slog.Logger
	namespace string
	leaseTTL  time.Duration
	tick      time.Duration
	maxTerms  int

	mu        sync.Mutex
	elections []*election
	locks     []*lock
	closed    bool
}

var _ coordinator.Coordinator = (*Coordinator)(nil)

// New creates an etcd-backed Coordinator.
func New(client *clientv3.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:    client,
		processID: id.NewProcessID(),
		logger:    slog.Default(),
		namespace: DefaultNamespace,
		leaseTTL:  15 * time.Second,
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

func (c *Coordinator) electionKey(resource string) string {
	return c.namespace + "/election/" + resource
}

func (c *Coordinator) lockKey(resource string) string {
	return c.namespace + "/lock/" + resource
}

// ttlSeconds returns the lease TTL in whole seconds, minimum 1.
func (c *Coordinator) ttlSeconds() int64 {
	secs := int64(c.leaseTTL / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Elect joins the election for a resource.
func (c *Coordinator) Elect(_ context.Context, resource string) (coordinator.ElectionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, replicore.ErrElectionClosed
	}

	e := newElection(c, resource)
	c.elections = append(c.elections, e)
	e.start()
	return e, nil
}

// TryLock attempts to acquire the lock for a resource without queueing.
func (c *Coordinator) TryLock(ctx context.Context, resource string) (coordinator.LockHandle, error) {
	grant, err := c.client.Grant(ctx, c.ttlSeconds())
	if err != nil {
		return nil, fmt.Errorf("replicore/etcd: grant lock lease: %w", replicore.ErrCoordinatorDown)
	}

	key := c.lockKey(resource)
	txn, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, c.processID.String(), clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = c.client.Revoke(context.Background(), grant.ID) //nolint:errcheck // lease expires on its own
		return nil, fmt.Errorf("replicore/etcd: lock txn: %w", err)
	}
	if !txn.Succeeded {
		_, _ = c.client.Revoke(context.Background(), grant.ID) //nolint:errcheck // lease expires on its own
		return nil, replicore.ErrLockHeld
	}

	l := newLock(c, resource, grant.ID)
	c.mu.Lock()
	c.locks = append(c.locks, l)
	c.mu.Unlock()
	l.start()
	return l, nil
}

// PurgeStale deletes orphaned coordination keys that carry no lease and
// so would never expire on their own. Leased keys are etcd's problem.
func (c *Coordinator) PurgeStale(ctx context.Context, limit int) (int, error) {
	resp, err := c.client.Get(ctx, c.namespace+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("replicore/etcd: purge scan: %w", err)
	}

	purged := 0
	for _, kv := range resp.Kvs {
		if purged >= limit {
			break
		}
		if kv.Lease != 0 {
			continue
		}
		if _, err := c.client.Delete(ctx, string(kv.Key)); err != nil {
			return purged, fmt.Errorf("replicore/etcd: purge delete %s: %w", kv.Key, err)
		}
		purged++
	}
	return purged, nil
}

// Close releases every lease held through this coordinator. The etcd
// client itself stays open for the caller.
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
