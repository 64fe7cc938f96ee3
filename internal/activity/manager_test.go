package activity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ALEYI17/InfraSight_cupti/internal/bufferpool"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti/cuptitest"
	"github.com/ALEYI17/InfraSight_cupti/internal/decoder"
	"github.com/ALEYI17/InfraSight_cupti/internal/emitter"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type fixture struct {
	clock *cuptitest.Clock
	drv   *cuptitest.Driver
	rec   *measurement.Recorder
	reg   *registry.Registry
	m     *Manager
}

func newFixture(t *testing.T, features config.Feature, level config.SyncLevel, ceiling uint64) *fixture {
	t.Helper()
	cfg, err := config.New(config.Config{Features: features, SyncLevel: level, BufferSize: ceiling, ChunkSize: 8 << 10})
	require.NoError(t, err)

	f := &fixture{clock: cuptitest.NewClock(0), drv: cuptitest.NewDriver()}
	f.drv.AddContext(0xc1, 1, 0, 7)
	f.drv.AddContext(0xc2, 2, 0, 9)
	f.rec = measurement.NewRecorder(f.clock.Now)
	f.reg = registry.New(registry.Options{Config: cfg, Core: f.rec, Driver: f.drv, Clock: f.clock.Now})
	em := emitter.New(emitter.Options{Registry: f.reg})
	f.m = New(Options{
		Registry:  f.reg,
		Emitter:   em,
		Driver:    f.drv,
		Activity:  f.drv,
		Allocator: bufferpool.HeapAllocator{},
	})
	return f
}

// start creates context h with a sync window beginning at device 1000,
// host 5000.
func (f *fixture) start(t *testing.T, h cupti.ContextHandle) *registry.Context {
	t.Helper()
	c := f.reg.GetOrCreateContext(h)
	require.NotNil(t, c)
	f.clock.Set(5000)
	f.drv.PushClock(1, 1000)
	f.m.Setup(c)
	return c
}

func observe(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := logutil.GetLogger()
	logutil.SetLogger(zap.New(core))
	t.Cleanup(func() { logutil.SetLogger(prev) })
	return logs
}

func kernelRecords(stream uint32, spans ...[2]uint64) []byte {
	var buf []byte
	for _, s := range spans {
		buf = decoder.AppendKernel(buf, &decoder.Kernel{
			ActivityKind: cupti.ActivityConcurrentKernel,
			Start:        s[0],
			End:          s[1],
			ContextID:    1,
			StreamID:     stream,
			Name:         "_Z1kv",
		})
	}
	return buf
}

type ev struct {
	Type uint8
	Ts   uint64
	Name string
}

func simplify(events []types.Event) []ev {
	out := make([]ev, len(events))
	for i, e := range events {
		out[i] = ev{Type: e.Type, Ts: e.Timestamp, Name: e.Name}
	}
	return out
}

func TestSetup(t *testing.T) {
	f := newFixture(t, config.FeatureKernel|config.FeatureIdle, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)

	a := c.Activity
	require.NotNil(t, a)
	assert.Equal(t, uint32(7), a.DefaultStreamID)
	assert.Equal(t, uint64(1000), a.Sync.GPUStart)
	assert.Equal(t, uint64(5000), a.Sync.HostStart)
	assert.True(t, a.GPUIdle)
	assert.Equal(t, f.rec.BeginEpoch(), a.LastGPUTime)

	f.m.Setup(c)
	assert.Same(t, a, c.Activity)
}

func TestFlushDrainsCompletedBuffer(t *testing.T) {
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)

	buf := f.m.RequestBuffer(0xc1)
	require.Len(t, buf, 8<<10)
	records := kernelRecords(13, [2]uint64{1500, 1600})
	copy(buf, records)
	f.drv.OnFlush = func() { f.m.CompleteBuffer(0xc1, buf, uint64(len(records))) }

	f.clock.Set(7000)
	f.drv.PushClock(2000)
	f.m.FlushContext(c)

	require.Len(t, c.Streams, 1)
	want := []ev{{types.EVENT_ENTER, 6000, "k()"}, {types.EVENT_EXIT, 6200, "k()"}}
	if diff := cmp.Diff(want, simplify(f.rec.EventsAt(c.Streams[0].Location))); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	host := simplify(f.rec.EventsAt(measurement.HostLocation))
	assert.Equal(t, []ev{{types.EVENT_ENTER, 7000, "BUFFER FLUSH"}, {types.EVENT_EXIT, 7000, "BUFFER FLUSH"}}, host)

	assert.Equal(t, 2.0, c.Activity.Sync.Factor)
	assert.Equal(t, uint64(2000), c.Activity.Sync.GPUStart)
	assert.Equal(t, uint64(7000), c.Activity.Sync.HostStart)
	assert.True(t, f.m.BufferEmpty(c))
}

func TestFlushKeepsSyncStartWhileBuffersCommitted(t *testing.T) {
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)
	require.NotNil(t, f.m.RequestBuffer(0xc1))

	f.clock.Set(7000)
	f.drv.PushClock(2000)
	f.m.FlushContext(c)

	assert.Equal(t, uint64(1000), c.Activity.Sync.GPUStart)
	assert.Equal(t, uint64(2000), c.Activity.Sync.GPUStop)
	assert.False(t, f.m.BufferEmpty(c))
}

func TestFlushSkippedOnZeroDeviceInterval(t *testing.T) {
	logs := observe(t)
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)

	buf := f.m.RequestBuffer(0xc1)
	records := kernelRecords(13, [2]uint64{1000, 1000})
	copy(buf, records)
	f.m.CompleteBuffer(0, buf, uint64(len(records)))

	f.drv.PushClock(1000)
	f.m.FlushContext(c)

	assert.Empty(t, c.Streams)
	assert.False(t, f.m.BufferEmpty(c))
	assert.Equal(t, 1, logs.FilterMessage("no device time passed since last synchronization, skipping flush").Len())
}

func TestDroppedRecordsReported(t *testing.T) {
	logs := observe(t)
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)
	f.m.RequestBuffer(0xc1)
	f.drv.Dropped[0xc1] = 10

	f.drv.PushClock(2000)
	f.m.FlushContext(c)

	entries := logs.FilterMessage("CUDA activity records dropped, increase INFRASIGHT_CUDA_BUFFER").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, uint64(10), fields["dropped"])
	want := uint64(8<<10) + 5*uint64(decoder.KernelRecordSize+decoder.MemcpyRecordSize)
	assert.Equal(t, want, fields["proposed_min_size"])
}

func TestExhaustedPoolDrainsPending(t *testing.T) {
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 8<<10)
	c := f.start(t, 0xc1)

	buf := f.m.RequestBuffer(0xc1)
	require.NotNil(t, buf)
	assert.Nil(t, f.m.RequestBuffer(0xc1))

	records := kernelRecords(13, [2]uint64{1100, 1200})
	copy(buf, records)
	f.m.CompleteBuffer(0xc1, buf, uint64(len(records)))

	f.clock.Set(7000)
	f.drv.PushClock(2000)
	again := f.m.RequestBuffer(0xc1)
	require.NotNil(t, again)
	assert.Same(t, &buf[0], &again[0])
	require.Len(t, c.Streams, 1)
	assert.Len(t, f.rec.EventsAt(c.Streams[0].Location), 2)
}

func TestCompleteUnknownBuffer(t *testing.T) {
	logs := observe(t)
	f := newFixture(t, config.FeatureKernel, config.SyncNone, 16<<10)
	f.start(t, 0xc1)

	f.m.CompleteBuffer(0, make([]byte, 64), 64)
	assert.Equal(t, 1, logs.FilterMessage("completed CUDA activity buffer does not belong to any context").Len())
}

func TestEnableDisable(t *testing.T) {
	tests := []struct {
		name     string
		features config.Feature
		level    config.SyncLevel
		kinds    []cupti.ActivityKind
	}{
		{"concurrent kernels and memcpy", config.FeatureKernel | config.FeatureMemcpy, config.SyncNone,
			[]cupti.ActivityKind{cupti.ActivityConcurrentKernel, cupti.ActivityMemcpy}},
		{"serial kernels", config.FeatureKernelSerial, config.SyncNone,
			[]cupti.ActivityKind{cupti.ActivityKernel}},
		{"memcpy handled by callbacks", config.FeatureKernel | config.FeatureMemcpy, config.SyncFull,
			[]cupti.ActivityKind{cupti.ActivityConcurrentKernel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.features, tt.level, 16<<10)
			f.start(t, 0xc1)
			f.start(t, 0xc2)

			require.NoError(t, f.m.Enable())
			assert.Equal(t, 2, f.drv.SyncCalls)
			assert.Len(t, f.drv.Enabled, len(tt.kinds))
			for _, k := range tt.kinds {
				assert.True(t, f.drv.Enabled[k], k.String())
			}

			require.NoError(t, f.m.Disable())
			assert.Empty(t, f.drv.Enabled)
			assert.Equal(t, 2, f.drv.FlushCalls)
		})
	}
}

func TestDestroyContext(t *testing.T) {
	f := newFixture(t, config.FeatureKernel|config.FeatureIdle, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)

	buf := f.m.RequestBuffer(0xc1)
	records := kernelRecords(7, [2]uint64{1100, 1200})
	copy(buf, records)
	f.drv.OnFlush = func() { f.m.CompleteBuffer(0xc1, buf, uint64(len(records))) }
	f.clock.Set(7000)
	f.drv.PushClock(2000)

	require.NoError(t, f.m.DestroyContext(0xc1))
	assert.Nil(t, f.reg.Get(0xc1))
	assert.Zero(t, c.Activity.Pool.Len())

	events := simplify(f.rec.EventsAt(c.IdleStream().Location))
	want := []ev{
		{types.EVENT_ENTER, 0, "COMPUTE IDLE"},
		{types.EVENT_EXIT, 5200, "COMPUTE IDLE"},
		{types.EVENT_ENTER, 5200, "k()"},
		{types.EVENT_EXIT, 5400, "k()"},
		{types.EVENT_ENTER, 5400, "COMPUTE IDLE"},
		{types.EVENT_EXIT, 7000, "COMPUTE IDLE"},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, f.m.DestroyContext(0xc1))
}

func TestFinalizePublishesCommGroup(t *testing.T) {
	f := newFixture(t, config.FeatureMemcpy, config.SyncNone, 16<<10)
	c := f.start(t, 0xc1)

	buf := f.m.RequestBuffer(0xc1)
	records := decoder.AppendMemcpy(nil, &decoder.Memcpy{
		Start: 1100, End: 1200, Bytes: 64, ContextID: 1, StreamID: 7,
		SrcKind: cupti.MemoryPageable, DstKind: cupti.MemoryDevice,
	})
	copy(buf, records)
	f.drv.OnFlush = func() { f.m.CompleteBuffer(0xc1, buf, uint64(len(records))) }
	f.clock.Set(7000)
	f.drv.PushClock(2000)

	require.NoError(t, f.m.Finalize())
	require.Len(t, c.Streams, 1)
	assert.Equal(t, []uint64{uint64(measurement.HostLocation), uint64(c.Streams[0].Location)}, f.rec.CommunicationGroup())
	assert.Zero(t, c.Activity.Pool.Len())
}
