package replicore

import "errors"

var (
	// Wiring errors.
	ErrNoStore       = errors.New("replicore: no store configured")
	ErrNoCoordinator = errors.New("replicore: no coordinator configured")
	ErrNoQueue       = errors.New("replicore: no task queue configured")

	// Coordination errors.
	ErrLockHeld        = errors.New("replicore: lock held by another process")
	ErrLockLost        = errors.New("replicore: lock lost")
	ErrLockReleased    = errors.New("replicore: lock already released")
	ErrElectionClosed  = errors.New("replicore: election handle closed")
	ErrCoordinatorDown = errors.New("replicore: coordination backend unavailable")
	ErrNotPrimary      = errors.New("replicore: not the primary for this resource")

	// Not found errors.
	ErrTaskNotFound      = errors.New("replicore: task not found")
	ErrDiscoveryNotFound = errors.New("replicore: discovery record not found")
	ErrSpecNotFound      = errors.New("replicore: cluster spec not found")
	ErrViewNotFound      = errors.New("replicore: cluster view not found")
	ErrNodeNotFound      = errors.New("replicore: node state not found")
	ErrActionNotFound    = errors.New("replicore: action not found")

	// Conflict errors.
	ErrActionExists = errors.New("replicore: action already exists")

	// State errors.
	ErrActionTerminal   = errors.New("replicore: action is in a terminal state")
	ErrRetriesExhausted = errors.New("replicore: task retries exhausted")
	ErrQueueFull        = errors.New("replicore: task queue full")

	// ErrSkipTask tells the worker pool to discard the current task
	// without counting a failure. Handlers return it (or wrap it) when
	// the work cannot be taken this cycle, for example when the cluster
	// lock is held elsewhere.
	ErrSkipTask = errors.New("replicore: skip task")
)
