package aggregator

import (
	"context"
	"time"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// Run flushes ended windows every window period. When ctx is done the
// remaining windows are sent before the channel closes.
func (ga *GPUAggregator) Run(ctx context.Context) <-chan *types.Batch {
	out := make(chan *types.Batch)

	go func() {
		defer close(out)
		ticker := time.NewTicker(ga.windowDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if batch := ga.FlushAll(); batch != nil {
					out <- batch
				}
				return
			case <-ticker.C:
				if batch := ga.Flush(); batch != nil {
					out <- batch
				}
			}
		}
	}()

	return out
}
