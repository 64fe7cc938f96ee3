package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func region(typ uint8, ts uint64, name string, kind measurement.RegionKind) types.Event {
	return types.Event{Type: typ, Location: 1, LocationName: "CUDA[0:7]", Timestamp: ts, Name: name, RegionKind: uint8(kind)}
}

func TestWindowStatistics(t *testing.T) {
	now := time.Unix(100, 0)
	ga := NewGPUAggregator(time.Second)
	ga.now = func() time.Time { return now }

	for _, ev := range []types.Event{
		region(types.EVENT_ENTER, 0, "COMPUTE IDLE", measurement.RegionArtificial),
		region(types.EVENT_EXIT, 100, "COMPUTE IDLE", measurement.RegionArtificial),
		region(types.EVENT_ENTER, 100, "vecAdd", measurement.RegionKernel),
		region(types.EVENT_EXIT, 400, "vecAdd", measurement.RegionKernel),
		{Type: types.EVENT_RMA_GET, Location: 1, Timestamp: 400, Bytes: 300},
		{Type: types.EVENT_RMA_PUT, Location: 1, Timestamp: 500, Bytes: 100},
		{Type: types.EVENT_PARAMETER, Location: 1, Timestamp: 500, Value: 7},
	} {
		ga.Update(ev)
	}

	assert.Nil(t, ga.Flush(), "window has not ended yet")

	now = now.Add(2 * time.Second)
	batch := ga.Flush()
	require.NotNil(t, batch)
	assert.Equal(t, types.BatchTimeWindow, batch.Type)
	require.Len(t, batch.Batch, 1)

	ev := batch.Batch[0]
	assert.Equal(t, uint32(1), ev.Location)
	assert.Equal(t, "CUDA[0:7]", ev.Name)
	w := ev.Window
	require.NotNil(t, w)
	assert.Equal(t, uint64(2), w.RegionCount)
	assert.Equal(t, uint64(1), w.KernelCount)
	assert.Equal(t, uint64(100), w.IdleNs)
	assert.Equal(t, uint64(300), w.BusyNs)
	assert.Equal(t, uint64(2), w.TransferCount)
	assert.InDelta(t, 0.75, w.GetRatio, 1e-9)
	assert.InDelta(t, 0.75, w.Utilization, 1e-9)
	assert.Equal(t, uint64(1), w.ParameterCount)

	assert.Nil(t, ga.Flush(), "flushed windows are dropped")
}

func TestNestedRegionsCountOnce(t *testing.T) {
	ga := NewGPUAggregator(time.Second)
	ga.Update(region(types.EVENT_ENTER, 0, "cudaMemcpy", measurement.RegionWrapper))
	ga.Update(region(types.EVENT_ENTER, 10, "DEVICE SYNCHRONIZE", measurement.RegionImplicitBarrier))
	ga.Update(region(types.EVENT_EXIT, 20, "DEVICE SYNCHRONIZE", measurement.RegionImplicitBarrier))
	ga.Update(region(types.EVENT_EXIT, 50, "cudaMemcpy", measurement.RegionWrapper))
	// exit without enter is ignored
	ga.Update(region(types.EVENT_EXIT, 60, "cudaFree", measurement.RegionWrapper))

	batch := ga.FlushAll()
	require.NotNil(t, batch)
	require.Len(t, batch.Batch, 1)
	assert.Equal(t, uint64(50), batch.Batch[0].Window.BusyNs)
	assert.Equal(t, uint64(2), batch.Batch[0].Window.RegionCount)
}

func TestMemoryEvents(t *testing.T) {
	ga := NewGPUAggregator(time.Second)
	ga.Update(types.Event{Type: types.EVENT_ALLOC, Bytes: 4096})
	ga.Update(types.Event{Type: types.EVENT_ALLOC, Bytes: 1024})
	ga.Update(types.Event{Type: types.EVENT_FREE, Bytes: 4096})

	batch := ga.FlushAll()
	require.NotNil(t, batch)
	w := batch.Batch[0].Window
	assert.Equal(t, uint64(5120), w.AllocBytes)
	assert.Equal(t, uint64(1), w.FreeCount)
	assert.Zero(t, w.GetRatio)
	assert.Zero(t, w.Utilization)
}
