// Package queue provides the FIFO handoff between the cluster producer and
// the loop-closing thread. It is the only structure in the subsystem that
// is shared across goroutines and therefore the only one that locks.
package queue

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"go.viam.com/loopclosure/cluster"
)

// ClusterQueue is a mutex-guarded FIFO of clusters. The consumer polls with
// TryPop at a fixed cadence rather than blocking.
type ClusterQueue struct {
	mu sync.Mutex
	q  *linkedlistqueue.Queue
}

// New returns an empty queue.
func New() *ClusterQueue {
	return &ClusterQueue{q: linkedlistqueue.New()}
}

// Push appends a cluster to the tail.
func (cq *ClusterQueue) Push(c *cluster.Cluster) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.q.Enqueue(c)
}

// TryPop removes and returns the head, or reports that the queue is empty.
func (cq *ClusterQueue) TryPop() (*cluster.Cluster, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	v, ok := cq.q.Dequeue()
	if !ok {
		return nil, false
	}
	c, ok := v.(*cluster.Cluster)
	return c, ok
}

// Depth returns the number of queued clusters, for telemetry.
func (cq *ClusterQueue) Depth() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.q.Size()
}
