package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ALEYI17/InfraSight_cupti/internal/collector/aggregator"
	"github.com/ALEYI17/InfraSight_cupti/internal/collector/timeserie"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func TestMergeDrainsOnCancel(t *testing.T) {
	agg := aggregator.NewGPUAggregator(time.Hour)
	ts := timeserie.NewTimeSeriesCollector(time.Hour)
	sink := Sink(agg, ts)

	sink(types.Event{Type: types.EVENT_RMA_GET, Location: 1, LocationName: "CUDA[0:7]", Timestamp: 10, Bytes: 64})
	sink(types.Event{Type: types.EVENT_ENTER, Location: 0, Timestamp: 5})

	ctx, cancel := context.WithCancel(context.Background())
	out := Merge(ctx, agg, ts)
	cancel()

	counts := map[string]int{}
	for batch := range out {
		counts[batch.Type] += len(batch.Batch)
	}
	assert.Equal(t, map[string]int{"gpu_time_window": 2, "gpu_time_series": 1}, counts)
}
