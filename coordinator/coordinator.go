// Package coordinator defines the distributed-coordination contract used
// by every exclusivity-dependent component: leader elections for the
// periodic schedulers and short-lived mutual-exclusion locks for cluster
// refresh cycles.
//
// The contract is deliberately pessimistic. Loss of connectivity to the
// coordination backend is treated as loss of every held lease: handles
// report Candidate / ErrLockLost and the caller must stop all exclusive
// work until the lease is re-acquired. On doubt, do nothing rather than
// risk two primaries.
package coordinator

import (
	"context"

	"github.com/replicante-io/replicore/id"
)

// Role is this process's standing in an election.
type Role string

const (
	// RoleCandidate means the process is not participating as primary or
	// secondary yet, typically because the lease state is unknown.
	RoleCandidate Role = "candidate"
	// RolePrimary means this process holds the lease and may perform the
	// exclusive work the election guards.
	RolePrimary Role = "primary"
	// RoleSecondary means another process holds the lease; this process
	// watches it and stands by.
	RoleSecondary Role = "secondary"
)

// ElectionHandle tracks this process's role for one elected resource.
// Obtain one from Coordinator.Elect; it participates continuously until
// closed.
type ElectionHandle interface {
	// Resource returns the elected resource identifier.
	Resource() string

	// Role returns the current role. Callers gating exclusive work MUST
	// re-check the role on every cycle, not cache it.
	Role() Role

	// Changes returns a channel receiving role transitions. The channel
	// is buffered; slow consumers may miss intermediate transitions but
	// always observe the latest role via Role().
	Changes() <-chan Role

	// Resign steps down voluntarily if primary, forcing a re-election.
	Resign(ctx context.Context) error

	// Close stops participating in the election and releases the lease
	// if held.
	Close() error
}

// LockHandle is a held mutual-exclusion lock.
type LockHandle interface {
	// Resource returns the locked resource identifier.
	Resource() string

	// Check cheaply re-verifies the lock is still held. It returns
	// replicore.ErrLockLost once the lease expired or the backend became
	// unreachable. Callers use it at safe checkpoints to abandon work.
	Check(ctx context.Context) error

	// Release releases the lock. Releasing a lost or already-released
	// lock returns replicore.ErrLockReleased.
	Release(ctx context.Context) error
}

// Coordinator is the capability interface over a coordination backend.
// One implementation exists per backend (etcd, in-memory); it is selected
// at startup and core logic depends only on this interface.
type Coordinator interface {
	// ProcessID returns the identity this coordinator registers as the
	// holder of leases it acquires.
	ProcessID() id.ProcessID

	// Elect joins the election for a resource. It never blocks waiting
	// for leadership: the returned handle starts as Candidate and
	// transitions on its own.
	Elect(ctx context.Context, resource string) (ElectionHandle, error)

	// TryLock attempts to acquire the mutual-exclusion lock for a
	// resource without queueing. It returns replicore.ErrLockHeld
	// immediately when the lock is held elsewhere; callers skip the
	// current cycle rather than wait.
	TryLock(ctx context.Context, resource string) (LockHandle, error)

	// PurgeStale deletes up to limit stale election/lock artifacts left
	// behind by dead processes, bounding the backend's key count. It
	// returns the number of artifacts removed.
	PurgeStale(ctx context.Context, limit int) (int, error)

	// Close releases every lease held through this coordinator.
	Close() error
}
