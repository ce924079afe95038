package utils

import (
	"context"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var count atomic.Int64
	workers := NewStoppableWorkers(func(ctx context.Context) {
		count.Add(1)
		<-ctx.Done()
	})
	workers.AddWorkers(func(ctx context.Context) {
		count.Add(1)
		<-ctx.Done()
	})

	workers.Stop()
	test.That(t, count.Load(), test.ShouldEqual, 2)
	test.That(t, workers.Context().Err(), test.ShouldNotBeNil)

	// adding after stop is a no-op
	workers.AddWorkers(func(ctx context.Context) {
		count.Add(1)
	})
	workers.Stop()
	test.That(t, count.Load(), test.ShouldEqual, 2)
}
