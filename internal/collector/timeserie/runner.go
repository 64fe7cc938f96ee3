package timeserie

import (
	"context"
	"time"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func (tc *TimeSeriesCollector) Run(ctx context.Context) <-chan *types.Batch {
	out := make(chan *types.Batch)

	go func() {
		defer close(out)
		ticker := time.NewTicker(tc.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if batch := tc.Flush(); batch != nil {
					out <- batch
				}
				return
			case <-ticker.C:
				if batch := tc.Flush(); batch != nil {
					out <- batch
				}
			}
		}
	}()

	return out
}
