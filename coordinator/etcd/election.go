package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/replicante-io/replicore/coordinator"
)

// election drives the candidate/primary/secondary state machine for one
// resource. It campaigns on a tick and whenever the watched election key
// is deleted.
type election struct {
	coord    *Coordinator
	resource string
	key      string

	mu       sync.Mutex
	role     coordinator.Role
	leaseID  clientv3.LeaseID
	renewals int
	closed   bool

	changes chan coordinator.Role
	kick    chan struct{}
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ coordinator.ElectionHandle = (*election)(nil)

func newElection(c *Coordinator, resource string) *election {
	return &election{
		coord:    c,
		resource: resource,
		key:      c.electionKey(resource),
		role:     coordinator.RoleCandidate,
		changes:  make(chan coordinator.Role, 16),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (e *election) start() {
	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go e.loop()
	go e.watch(watchCtx)
}

func (e *election) Resource() string { return e.resource }

func (e *election) Role() coordinator.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *election) Changes() <-chan coordinator.Role { return e.changes }

// Resign steps down if primary, deleting the election key so another
// process can campaign immediately.
func (e *election) Resign(ctx context.Context) error {
	return e.resign(ctx)
}

func (e *election) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.cancel()
	e.wg.Wait()
	return e.resign(context.Background())
}

func (e *election) loop() {
	defer e.wg.Done()

	e.campaign()

	ticker := time.NewTicker(e.coord.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.campaign()
		case <-e.kick:
			e.campaign()
		}
	}
}

// watch observes the election key and kicks a campaign when the key is
// deleted, so failover does not wait for the next tick.
func (e *election) watch(ctx context.Context) {
	defer e.wg.Done()

	watchCh := e.coord.client.Watch(ctx, e.key)
	for resp := range watchCh {
		for _, ev := range resp.Events {
			if ev.Type == clientv3.EventTypeDelete {
				select {
				case e.kick <- struct{}{}:
				default:
				}
			}
		}
	}
}

// campaign acquires, renews, or observes the lease for one tick.
func (e *election) campaign() {
	ctx, cancel := context.WithTimeout(context.Background(), e.coord.tick)
	defer cancel()

	holder := e.coord.processID.String()

	e.mu.Lock()
	leaseID := e.leaseID
	e.mu.Unlock()

	// Renew first: cheap when already primary.
	if leaseID != clientv3.NoLease && e.Role() == coordinator.RolePrimary {
		if e.renew(ctx, leaseID) {
			return
		}
		// Renewal failed or we stepped down; fall through and campaign
		// from scratch on a fresh lease.
	}

	grant, err := e.coord.client.Grant(ctx, e.coord.ttlSeconds())
	if err != nil {
		// Backend unreachable: treat every lease as lost.
		e.dropLease()
		e.setRole(coordinator.RoleCandidate)
		return
	}

	txn, err := e.coord.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.key), "=", 0)).
		Then(clientv3.OpPut(e.key, holder, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = e.coord.client.Revoke(context.Background(), grant.ID) //nolint:errcheck // lease expires on its own
		e.dropLease()
		e.setRole(coordinator.RoleCandidate)
		return
	}

	if txn.Succeeded {
		e.mu.Lock()
		e.leaseID = grant.ID
		e.renewals = 0
		e.mu.Unlock()
		e.setRole(coordinator.RolePrimary)
		e.coord.logger.Info("election won",
			slog.String("resource", e.resource),
			slog.String("holder", holder),
		)
		return
	}

	// Key exists: someone holds the lease (possibly us, after a missed
	// renewal — the old lease will expire, so just stand by).
	_, _ = e.coord.client.Revoke(context.Background(), grant.ID) //nolint:errcheck // lease expires on its own
	e.setRole(coordinator.RoleSecondary)
}

// renew extends the current lease. Returns false when the caller should
// restart the campaign.
func (e *election) renew(ctx context.Context, leaseID clientv3.LeaseID) bool {
	e.mu.Lock()
	e.renewals++
	stepDown := e.coord.maxTerms > 0 && e.renewals >= e.coord.maxTerms
	e.mu.Unlock()

	if stepDown {
		e.coord.logger.Info("stepping down after max terms",
			slog.String("resource", e.resource),
			slog.Int("terms", e.coord.maxTerms),
		)
		_ = e.resign(ctx) //nolint:errcheck // resign failure surfaces as lease expiry
		return false
	}

	if _, err := e.coord.client.KeepAliveOnce(ctx, leaseID); err != nil {
		e.dropLease()
		e.setRole(coordinator.RoleCandidate)
		return false
	}
	e.setRole(coordinator.RolePrimary)
	return true
}

// resign deletes the election key if this process holds it and revokes
// the lease.
func (e *election) resign(ctx context.Context) error {
	e.mu.Lock()
	leaseID := e.leaseID
	e.leaseID = clientv3.NoLease
	e.renewals = 0
	e.mu.Unlock()

	holder := e.coord.processID.String()
	_, err := e.coord.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(e.key), "=", holder)).
		Then(clientv3.OpDelete(e.key)).
		Commit()
	if leaseID != clientv3.NoLease {
		_, _ = e.coord.client.Revoke(context.Background(), leaseID) //nolint:errcheck // lease expires on its own
	}
	e.setRole(coordinator.RoleCandidate)
	return err
}

func (e *election) dropLease() {
	e.mu.Lock()
	e.leaseID = clientv3.NoLease
	e.renewals = 0
	e.mu.Unlock()
}

func (e *election) setRole(role coordinator.Role) {
	e.mu.Lock()
	if e.role == role {
		e.mu.Unlock()
		return
	}
	e.role = role
	e.mu.Unlock()

	select {
	case e.changes <- role:
	default:
	}
}
