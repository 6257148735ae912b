// Package replicore is the reactive orchestration core of the Replicante
// control plane. It continuously observes fleets of datastore clusters
// through per-node agents, maintains an approximate, eventually-consistent
// view of each cluster, and emits an ordered event trail for downstream
// consumers.
//
// Replicore is designed as a library, not a service. Import it, configure
// a store, a coordinator, and a task queue, and start the engine:
//
//	core, err := replicore.New(
//	    replicore.WithStore(redisStore),
//	    replicore.WithCoordinator(etcdCoordinator),
//	)
//
// # Architecture
//
// Multiple identical processes run concurrently for availability. No
// process is special: exclusivity is scoped to resources (a scheduler, a
// cluster) and enforced entirely through the coordinator package —
// elections for the periodic schedulers, short-lived locks for cluster
// refresh cycles. Work travels through the taskqueue package, so every
// reaction is a discrete, retryable task consumed by the worker pool.
//
// Replicore follows a composable store pattern: each subsystem (fleet,
// action, events) defines its own store interface and a single backend
// implements all of them. Backends are selected at startup via the engine
// package; core logic depends only on the interfaces.
package replicore
