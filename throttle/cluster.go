package throttle

import (
	"fmt"

	"golang.org/x/time/rate"
)

// ClusterConfig defines rate limits and concurrency for a specific
// datastore cluster on a specific queue.
type ClusterConfig struct {
	// Queue is the queue this config applies to.
	Queue string

	// ClusterID is the cluster identifier carried by the task payload.
	ClusterID string

	// RateLimit is the sustained tasks per second for this cluster.
	RateLimit float64

	// RateBurst is the burst size for the cluster's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous tasks for this cluster on this
	// queue. Zero means no cluster-specific concurrency limit.
	MaxConcurrency int
}

// clusterState tracks runtime state for a single queue+cluster pair.
type clusterState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// clusterKey builds the map key for a queue+cluster pair.
func clusterKey(queue, clusterID string) string {
	return fmt.Sprintf("%s:%s", queue, clusterID)
}

// SetClusterConfig configures rate limits and concurrency for a
// specific cluster on a specific queue. Calling this multiple times for
// the same queue+cluster replaces the previous configuration.
func (m *Manager) SetClusterConfig(cfg ClusterConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clusterKey(cfg.Queue, cfg.ClusterID)
	existing := m.clusters[key]

	cs := &clusterState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		cs.active = existing.active
	}
	m.clusters[key] = cs
}

// ClusterActiveCount returns the current number of active tasks for a
// queue+cluster pair.
func (m *Manager) ClusterActiveCount(queue, clusterID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.clusters[clusterKey(queue, clusterID)]; cs != nil {
		return cs.active
	}
	return 0
}
