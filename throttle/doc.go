// Package throttle enforces per-queue and per-cluster rate limits and
// concurrency caps at task execution time.
//
// Queues group related tasks ("discover", "orchestrate"). Within a
// queue, tasks for datastore clusters can be limited per cluster so one
// large or flapping cluster never monopolizes the local worker pool.
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	throttle.Config{
//	    Queue:          "orchestrate",
//	    MaxConcurrency: 8,      // max 8 concurrent refresh cycles
//	    RateLimit:      4,      // max 4 cycles/s started from this queue
//	    RateBurst:      8,      // allow bursts up to 8
//	}
//
// # Manager
//
// [Manager] enforces the limits at execution time. It uses a
// token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := throttle.NewManager(configs...)
//	if m.Acquire(queue, clusterID) {
//	    defer m.Release(queue, clusterID)
//	    // process the task
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package throttle
