package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti/cuptitest"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type remap map[cupti.Device]int

func (m remap) Remap(dev cupti.Device) int {
	if p, ok := m[dev]; ok {
		return p
	}
	return int(dev)
}

func setup(t *testing.T, features config.Feature) (*Registry, *measurement.Recorder, *cuptitest.Driver) {
	t.Helper()
	cfg, err := config.New(config.Config{Features: features})
	require.NoError(t, err)
	clock := cuptitest.NewClock(1000)
	clock.Step = 10
	rec := measurement.NewRecorder(clock.Now)
	drv := cuptitest.NewDriver()
	drv.AddContext(0xc1, 1, 0, 7)
	drv.AddContext(0xc2, 2, 1, 9)
	reg := New(Options{
		Config: cfg,
		Core:   rec,
		Driver: drv,
		Remap:  remap{0: 3},
		Clock:  clock.Now,
		Thread: func() uint32 { return 42 },
	})
	return reg, rec, drv
}

func TestGetOrCreateContextIdempotent(t *testing.T) {
	reg, rec, _ := setup(t, config.FeatureDefault)

	a := reg.GetOrCreateContext(0xc1)
	require.NotNil(t, a)
	b := reg.GetOrCreateContext(0xc1)
	assert.Same(t, a, b)
	assert.Equal(t, uint32(1), a.ID)
	assert.Equal(t, uint32(42), a.HostThread)
	assert.Equal(t, 3, a.Device.Physical)
	assert.Equal(t, "CUDA Context 1", rec.LocationGroup(a.Group).Name)
	assert.Equal(t, "3", rec.SystemTreeNode(a.Device.Node).Name)
	assert.Equal(t, "1", rec.SystemTreeNode(a.Device.Node).Properties["PCI bus"])

	assert.Same(t, a, reg.GetByID(1))
	assert.Nil(t, reg.GetByID(5))
}

func TestRemoveThenRecreateIsDistinct(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureDefault)

	first := reg.GetOrCreateContext(0xc1)
	removed := reg.RemoveContext(0xc1)
	assert.Same(t, first, removed)
	assert.Nil(t, reg.Get(0xc1))
	assert.Nil(t, reg.RemoveContext(0xc1))

	second := reg.GetOrCreateContext(0xc1)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
}

func TestContextsNewestFirstAndSharedDevice(t *testing.T) {
	reg, _, drv := setup(t, config.FeatureDefault)
	drv.AddContext(0xc3, 3, 0, 11)

	a := reg.GetOrCreateContext(0xc1)
	b := reg.GetOrCreateContext(0xc2)
	c := reg.GetOrCreateContext(0xc3)

	assert.Equal(t, []*Context{c, b, a}, reg.Contexts())
	assert.Same(t, a.Device, c.Device)
	assert.NotSame(t, a.Device, b.Device)
}

func TestGetOrCreateContextUnknownHandle(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureDefault)
	assert.Nil(t, reg.GetOrCreateContext(0xdead))
	assert.Empty(t, reg.Contexts())
}

func TestConcurrentGetOrCreateContext(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureDefault)

	var wg sync.WaitGroup
	got := make([]*Context, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = reg.GetOrCreateContext(0xc1)
		}(i)
	}
	wg.Wait()

	for _, c := range got {
		assert.Same(t, got[0], c)
	}
	assert.Len(t, reg.Contexts(), 1)
}

func TestDefaultStreamSynthesis(t *testing.T) {
	reg, rec, _ := setup(t, config.FeatureKernel|config.FeatureMemcpy|config.FeaturePureIdle)
	c := reg.GetOrCreateContext(0xc1)
	c.Activity = &Activity{DefaultStreamID: 7}

	reg.Lock()
	s, err := reg.GetOrCreateStream(c, 13)
	reg.Unlock()
	require.NoError(t, err)

	require.Len(t, c.Streams, 2)
	assert.Equal(t, uint32(7), c.Streams[0].ID)
	assert.True(t, c.Streams[0].Default)
	assert.Same(t, s, c.Streams[1])
	assert.Same(t, c.Streams[0], c.IdleStream())
	assert.True(t, c.Activity.GPUIdle)

	def := rec.Location(c.Streams[0].Location)
	assert.Equal(t, "CUDA[3:7]", def.Name)
	assert.Equal(t, "yes", def.Properties["CUDA_NULL_STREAM"])
	assert.Equal(t, "CUDA[3:13]", rec.Location(s.Location).Name)

	idle := rec.EventsAt(c.Streams[0].Location)
	require.Len(t, idle, 1)
	assert.Equal(t, types.EVENT_ENTER, idle[0].Type)
	assert.Equal(t, "GPU IDLE", idle[0].Name)
	assert.Equal(t, rec.BeginEpoch(), idle[0].Timestamp)
	assert.Empty(t, rec.EventsAt(s.Location))
}

func TestNoSynthesisWithoutMemcpy(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureKernel|config.FeatureIdle)
	c := reg.GetOrCreateContext(0xc1)
	c.Activity = &Activity{DefaultStreamID: 7}

	reg.Lock()
	s, err := reg.GetOrCreateStream(c, 13)
	reg.Unlock()
	require.NoError(t, err)

	require.Len(t, c.Streams, 1)
	assert.Same(t, s, c.IdleStream())
	assert.Equal(t, reg.Core().BeginEpoch(), s.LastTime)
}

func TestGetOrCreateStreamRejectsNoStreamID(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureDefault)
	c := reg.GetOrCreateContext(0xc1)
	_, err := reg.GetOrCreateStream(c, cupti.NoStreamID)
	assert.Error(t, err)
	assert.Empty(t, c.Streams)
}

func TestCommIDsAndGroup(t *testing.T) {
	reg, _, _ := setup(t, config.FeatureDefault)
	c := reg.GetOrCreateContext(0xc1)
	reg.Lock()
	s, _ := reg.GetOrCreateStream(c, 7)
	reg.Unlock()

	assert.Equal(t, uint32(0), reg.AssignContextComm(c))
	assert.Equal(t, uint32(1), reg.AssignStreamComm(s))
	assert.Equal(t, uint32(0), reg.AssignContextComm(c))
	assert.Equal(t, uint32(1), reg.AssignStreamComm(s))

	assert.Equal(t, []uint64{uint64(measurement.HostLocation), uint64(s.Location)}, reg.CommGroup())
}

func TestNaming(t *testing.T) {
	reg, rec, _ := setup(t, config.FeatureDefault)
	c := reg.GetOrCreateContext(0xc1)

	assert.True(t, reg.SetContextName(0xc1, "solver"))
	assert.Equal(t, "solver", rec.LocationGroup(c.Group).Name)
	assert.False(t, reg.SetContextName(0xbeef, "x"))

	assert.True(t, reg.SetStreamName(0xc1, 4, "copy stream"))
	require.Len(t, c.Streams, 1)
	assert.Equal(t, "copy stream", rec.Location(c.Streams[0].Location).Name)
}

func TestFinalizeContextClosesIdleAndReportsLeaks(t *testing.T) {
	reg, rec, _ := setup(t, config.FeatureKernel|config.FeatureIdle|config.FeatureGPUMemUsage)
	c := reg.GetOrCreateContext(0xc1)
	c.Activity = &Activity{DefaultStreamID: 7}
	reg.Lock()
	s, _ := reg.GetOrCreateStream(c, 7)
	reg.Unlock()
	require.NotZero(t, c.AllocMetric)
	rec.AllocMetricHandleAlloc(c.AllocMetric, 0x10, 64)

	reg.FinalizeContext(c)

	events := rec.EventsAt(s.Location)
	require.Len(t, events, 2)
	assert.Equal(t, types.EVENT_EXIT, events[1].Type)
	assert.GreaterOrEqual(t, events[1].Timestamp, events[0].Timestamp)
	assert.False(t, c.Activity.GPUIdle)
	assert.Len(t, rec.AllocMetricReportLeaked(c.AllocMetric), 1)
}
