package queue

import (
	"sync"
	"testing"

	"go.viam.com/test"

	"go.viam.com/loopclosure/cluster"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	_, ok := q.TryPop()
	test.That(t, ok, test.ShouldBeFalse)

	for i := 0; i < 5; i++ {
		q.Push(cluster.NewEmptyCluster(i))
	}
	test.That(t, q.Depth(), test.ShouldEqual, 5)

	for i := 0; i < 5; i++ {
		c, ok := q.TryPop()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, c.ID, test.ShouldEqual, i)
	}
	test.That(t, q.Depth(), test.ShouldEqual, 0)
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(cluster.NewEmptyCluster(i))
		}
	}()

	seen := 0
	last := -1
	for seen < n {
		c, ok := q.TryPop()
		if !ok {
			continue
		}
		// FIFO delivery: ids arrive in push order
		test.That(t, c.ID, test.ShouldEqual, last+1)
		last = c.ID
		seen++
	}
	wg.Wait()
	test.That(t, q.Depth(), test.ShouldEqual, 0)
}
