package classify

import (
	"sync"

	drain3 "github.com/jaeyo/go-drain3"
)

// ClusterMiner discovers structural log templates with drain3 clustering.
// The classifier feeds it messages that miss the pattern table and logs
// each newly discovered template; templates are not turned into patterns.
type ClusterMiner struct {
	mu   sync.Mutex
	tree *drain3.Drain
}

// NewClusterMiner builds a miner with drain3's default clustering
// parameters.
func NewClusterMiner() *ClusterMiner {
	return &ClusterMiner{tree: drain3.New(drain3.DefaultConfig())}
}

// Observe feeds message through the cluster tree and reports the
// resulting template and whether this message started a brand-new
// cluster (first occurrence of this structural shape).
func (m *ClusterMiner) Observe(message string) (template string, isNewCluster bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.tree.Train(message)
	if cluster == nil {
		return "", false
	}
	return cluster.LogTemplate, cluster.Size == 1
}
