package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicante-io/replicore/coordinator"
)

// election drives the candidate/primary/secondary state machine for one
// resource against the shared backend.
type election struct {
	coord    *Coordinator
	resource string

	mu       sync.Mutex
	role     coordinator.Role
	renewals int
	closed   bool

	changes chan coordinator.Role
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ coordinator.ElectionHandle = (*election)(nil)

func (e *election) Resource() string { return e.resource }

func (e *election) Role() coordinator.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *election) Changes() <-chan coordinator.Role { return e.changes }

// Resign steps down if primary, handing the lease back to the backend.
func (e *election) Resign(_ context.Context) error {
	e.resign()
	return nil
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
	e.wg.Wait()
	e.resign()
	return nil
}

func (e *election) loop() {
	defer e.wg.Done()

	// Campaign immediately, then on every tick.
	e.campaign()

	ticker := time.NewTicker(e.coord.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.campaign()
		}
	}
}

// campaign acquires, renews, or observes the lease for one tick.
func (e *election) campaign() {
	b := e.coord.backend
	holder := e.coord.processID.String()
	now := time.Now()

	b.mu.Lock()
	if !b.available {
		b.mu.Unlock()
		// Connectivity loss counts as loss of the lease.
		e.setRole(coordinator.RoleCandidate)
		return
	}

	l := b.elections[e.resource]
	switch {
	case l != nil && l.holder == holder && !l.expired(now):
		// Renew, counting terms toward voluntary step-down.
		e.mu.Lock()
		e.renewals++
		stepDown := e.coord.maxTerms > 0 && e.renewals >= e.coord.maxTerms
		e.mu.Unlock()

		if stepDown {
			delete(b.elections, e.resource)
			b.mu.Unlock()
			e.setRole(coordinator.RoleCandidate)
			e.coord.logger.Info("stepping down after max terms",
				slog.String("resource", e.resource),
				slog.Int("terms", e.coord.maxTerms),
			)
			return
		}
		l.expiresAt = now.Add(e.coord.leaseTTL)
		b.mu.Unlock()
		e.setRole(coordinator.RolePrimary)

	case l == nil || l.expired(now):
		// Lease free: take it.
		var term uint64 = 1
		if l != nil {
			term = l.term + 1
		}
		b.elections[e.resource] = &lease{
			holder:    holder,
			term:      term,
			expiresAt: now.Add(e.coord.leaseTTL),
		}
		b.mu.Unlock()
		e.mu.Lock()
		e.renewals = 0
		e.mu.Unlock()
		e.setRole(coordinator.RolePrimary)

	default:
		// Held elsewhere: stand by and watch.
		b.mu.Unlock()
		e.setRole(coordinator.RoleSecondary)
	}
}

// resign releases the lease if this process holds it.
func (e *election) resign() {
	b := e.coord.backend
	holder := e.coord.processID.String()

	b.mu.Lock()
	if l := b.elections[e.resource]; l != nil && l.holder == holder {
		delete(b.elections, e.resource)
	}
	b.mu.Unlock()
	e.setRole(coordinator.RoleCandidate)
}

// setRole records a role change and notifies watchers. Intermediate
// transitions may be dropped when the channel is full; Role() always
// reflects the latest value.
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
