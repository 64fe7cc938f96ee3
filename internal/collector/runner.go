// Package collector connects the event stream to the collectors and their
// batches to a forwarder.
package collector

import (
	"context"
	"sync"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// Sink fans every event out to the collectors.
func Sink(collectors ...types.Gpu_collectors) func(types.Event) {
	return func(ev types.Event) {
		for _, c := range collectors {
			c.Update(ev)
		}
	}
}

// Merge runs the collectors and merges their batches into one channel,
// which closes once every collector has stopped.
func Merge(ctx context.Context, collectors ...types.Gpu_collectors) <-chan *types.Batch {
	out := make(chan *types.Batch, 16)
	var wg sync.WaitGroup

	for _, c := range collectors {
		wg.Add(1)
		go func(col types.Gpu_collectors) {
			defer wg.Done()
			for batch := range col.Run(ctx) {
				out <- batch
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
