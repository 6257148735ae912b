package memory

import (
	"context"
	"sync"
	"time"

	"github.com/replicante-io/replicore"
	"github.com/replicante-io/replicore/coordinator"
)

// lock is a held mutual-exclusion lock. A background goroutine renews
// the lease until the lock is released or lost.
type lock struct {
	coord    *Coordinator
	resource string

	mu       sync.Mutex
	released bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ coordinator.LockHandle = (*lock)(nil)

func (l *lock) Resource() string { return l.resource }

// Check re-verifies the lease without renewing it.
func (l *lock) Check(_ context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return replicore.ErrLockLost
	}
	l.mu.Unlock()

	b := l.coord.backend
	holder := l.coord.processID.String()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return replicore.ErrLockLost
	}
	entry := b.locks[l.resource]
	if entry == nil || entry.holder != holder || entry.expired(time.Now()) {
		return replicore.ErrLockLost
	}
	return nil
}

// Release gives the lock back. Releasing a lost or already-released lock
// returns replicore.ErrLockReleased.
func (l *lock) Release(_ context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return replicore.ErrLockReleased
	}
	l.released = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()

	b := l.coord.backend
	holder := l.coord.processID.String()

	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.locks[l.resource]
	if entry == nil || entry.holder != holder {
		return replicore.ErrLockReleased
	}
	delete(b.locks, l.resource)
	return nil
}

// renewLoop extends the lease while the lock is held so long-running
// cycles are not expired from under a live process.
func (l *lock) renewLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.coord.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.renew()
		}
	}
}

func (l *lock) renew() {
	b := l.coord.backend
	holder := l.coord.processID.String()
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return
	}
	entry := b.locks[l.resource]
	// Never resurrect a lease someone else may have taken after expiry.
	if entry == nil || entry.holder != holder || entry.expired(now) {
		return
	}
	entry.expiresAt = now.Add(l.coord.leaseTTL)
}
