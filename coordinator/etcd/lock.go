package etcd

import (
	"context"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/coordinator"
)

// lock is a held mutual-exclusion lock backed by a leased etcd key.
// A keep-alive stream renews the lease; when the stream dies the lock
// counts as lost.
type lock struct {
	coord    *Coordinator
	resource string
	key      string
	leaseID  clientv3.LeaseID

	mu       sync.Mutex
	released bool

	lost   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ coordinator.LockHandle = (*lock)(nil)

func newLock(c *Coordinator, resource string, leaseID clientv3.LeaseID) *lock {
	return &lock{
		coord:    c,
		resource: resource,
		key:      c.lockKey(resource),
		leaseID:  leaseID,
		lost:     make(chan struct{}),
	}
}

func (l *lock) start() {
	kaCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.keepAlive(kaCtx)
}

func (l *lock) Resource() string { return l.resource }

// Check reports loss without a backend round-trip: the keep-alive stream
// closing is the loss signal.
func (l *lock) Check(_ context.Context) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return replicore.ErrLockLost
	}

	select {
	case <-l.lost:
		return replicore.ErrLockLost
	default:
		return nil
	}
}

// Release deletes the lock key (if still ours) and revokes the lease.
func (l *lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return replicore.ErrLockReleased
	}
	l.released = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	holder := l.coord.processID.String()
	txn, err := l.coord.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(l.key), "=", holder)).
		Then(clientv3.OpDelete(l.key)).
		Commit()
	_, _ = l.coord.client.Revoke(context.Background(), l.leaseID) //nolint:errcheck // lease expires on its own
	if err != nil {
		return err
	}
	if !txn.Succeeded {
		// The key expired or was taken over; the lock was already gone.
		return replicore.ErrLockReleased
	}
	return nil
}

// keepAlive drains the lease keep-alive stream. The stream closes when
// the lease expires, is revoked, or the backend becomes unreachable —
// all of which mean the lock is lost.
func (l *lock) keepAlive(ctx context.Context) {
	defer l.wg.Done()

	ch, err := l.coord.client.KeepAlive(ctx, l.leaseID)
	if err != nil {
		close(l.lost)
		return
	}
	for range ch {
		// Renewal acknowledgements are drained until the stream closes.
	}
	// Distinguish deliberate release (ctx cancelled) from actual loss.
	if ctx.Err() == nil {
		close(l.lost)
	}
}
