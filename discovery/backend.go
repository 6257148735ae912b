package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/replicante-io/replicore"
)

// StaticBackend serves a fixed set of clusters. Intended for unit
// testing and small fixed fleets.
type StaticBackend struct {
	mu       sync.RWMutex
	clusters map[string]*Cluster
}

var _ Backend = (*StaticBackend)(nil)

// NewStaticBackend creates an empty static backend.
func NewStaticBackend() *StaticBackend {
	return &StaticBackend{clusters: make(map[string]*Cluster)}
}

// SetCluster adds or replaces a cluster's membership.
func (b *StaticBackend) SetCluster(c Cluster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clusters[c.ClusterID] = &c
}

// Discover returns a cluster's membership.
func (b *StaticBackend) Discover(_ context.Context, clusterID string) (*Cluster, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clusters[clusterID]
	if !ok {
		return nil, replicore.ErrDiscoveryNotFound
	}
	out := *c
	out.NodeAddresses = append([]string(nil), c.NodeAddresses...)
	return &out, nil
}

// Clusters lists known cluster IDs, sorted.
func (b *StaticBackend) Clusters(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.clusters))
	for id := range b.clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// fileConfig is the on-disk shape of a file discovery backend.
type fileConfig struct {
	Clusters []Cluster `yaml:"clusters"`
}

// FileBackend reads cluster membership from a YAML file. The file is
// re-read on every call so membership edits are picked up at the next
// discovery cycle without a restart.
type FileBackend struct {
	path string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a backend over a YAML file:
//
//	clusters:
//	  - cluster_id: shop-db
//	    display_name: Shop DB
//	    node_addresses:
//	      - https://node-1.shop-db.internal:16544
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Discover returns a cluster's membership from the file.
func (b *FileBackend) Discover(_ context.Context, clusterID string) (*Cluster, error) {
	config, err := b.load()
	if err != nil {
		return nil, err
	}
	for i := range config.Clusters {
		if config.Clusters[i].ClusterID == clusterID {
			return &config.Clusters[i], nil
		}
	}
	return nil, replicore.ErrDiscoveryNotFound
}

// Clusters lists the cluster IDs present in the file.
func (b *FileBackend) Clusters(_ context.Context) ([]string, error) {
	config, err := b.load()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(config.Clusters))
	for _, c := range config.Clusters {
		ids = append(ids, c.ClusterID)
	}
	return ids, nil
}

func (b *FileBackend) load() (*fileConfig, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("replicore/discovery: read %s: %w", b.path, err)
	}
	var config fileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("replicore/discovery: parse %s: %w", b.path, err)
	}
	return &config, nil
}
