package loaders

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

type fakeMemory map[uint64]uint64

func (m fakeMemory) ReadUint64(pid uint32, addr uint64) (uint64, error) {
	v, ok := m[addr]
	if !ok {
		return 0, errors.New("unmapped")
	}
	return v, nil
}

const (
	testPid = 100
	testTid = 101
)

func probeID(t *testing.T, symbol string) uint32 {
	t.Helper()
	for i, p := range probes {
		if p.symbol == symbol {
			return uint32(i)
		}
	}
	t.Fatalf("no probe for %s", symbol)
	return 0
}

func record(t *testing.T, symbol string, site uint32, ts uint64, args ...uint64) probeEvent {
	ev := probeEvent{
		Timestamp: ts,
		PidTgid:   testPid<<32 | testTid,
		Probe:     probeID(t, symbol),
		Site:      site,
	}
	copy(ev.Args[:], args)
	return ev
}

func newTestTracker(mem fakeMemory) *Tracker {
	return NewTracker(mem, nil)
}

func TestProbeTableCoversDriverAPI(t *testing.T) {
	for id := cupti.DriverCtxSynchronize; id <= cupti.DriverArrayDestroy; id++ {
		probeID(t, cupti.FunctionName(cupti.DomainDriver, id))
	}
	probeID(t, "cuCtxCreate_v2")
	probeID(t, "cuDevicePrimaryCtxRetain")
}

func TestDecodeProbeEvent(t *testing.T) {
	want := probeEvent{Timestamp: 5, PidTgid: 7<<32 | 8, Probe: 3, Site: siteExit, Args: [probeArgs]uint64{1, 2, 3, 4, 5}}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, want))
	require.Equal(t, probeEventSize, buf.Len())

	got, err := decodeProbeEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint32(7), got.pid())
	assert.Equal(t, uint32(8), got.tid())

	_, err = decodeProbeEvent(buf.Bytes()[:10])
	assert.Error(t, err)
}

func TestContextCreation(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1})

	assert.Empty(t, tr.Translate(record(t, "cuCtxCreate_v2", siteEnter, 10, 0x1000, 0, 1)))
	cbs := tr.Translate(record(t, "cuCtxCreate_v2", siteExit, 20, 0))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.DomainResource, cbs[0].Domain)
	assert.Equal(t, cupti.ResourceContextCreated, cbs[0].ID)
	assert.Equal(t, cupti.ContextHandle(0xc1), cbs[0].Context)
	assert.Equal(t, uint32(testTid), cbs[0].Thread)

	id, err := tr.ContextID(0xc1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	dev, err := tr.ContextDevice(0xc1)
	require.NoError(t, err)
	assert.Equal(t, cupti.Device(1), dev)

	// The new context is current for API calls of the creating thread.
	cbs = tr.Translate(record(t, "cuCtxSynchronize", siteEnter, 30))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.DomainDriver, cbs[0].Domain)
	assert.Equal(t, cupti.DriverCtxSynchronize, cbs[0].ID)
	assert.Equal(t, cupti.ContextHandle(0xc1), cbs[0].Context)
	assert.Equal(t, uint64(30), cbs[0].Timestamp)
}

func TestFailedContextCreation(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1})
	tr.Translate(record(t, "cuCtxCreate_v2", siteEnter, 10, 0x1000, 0, 0))
	assert.Empty(t, tr.Translate(record(t, "cuCtxCreate_v2", siteExit, 20, uint64(cupti.ErrInvalidValue))))

	_, err := tr.ContextID(0xc1)
	assert.Error(t, err)
}

func TestAllocationLifecycle(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1, 0x2000: 0xd000})
	tr.Translate(record(t, "cuCtxCreate_v2", siteEnter, 1, 0x1000, 0, 0))
	tr.Translate(record(t, "cuCtxCreate_v2", siteExit, 2, 0))

	enter := tr.Translate(record(t, "cuMemAlloc_v2", siteEnter, 10, 0x2000, 4096))
	require.Len(t, enter, 1)
	assert.Equal(t, cupti.AllocParams{Bytes: 4096}, enter[0].Params)

	exit := tr.Translate(record(t, "cuMemAlloc_v2", siteExit, 20, 0))
	require.Len(t, exit, 1)
	assert.Equal(t, cupti.SiteExit, exit[0].Site)
	assert.Equal(t, enter[0].CorrelationID, exit[0].CorrelationID)
	assert.Equal(t, cupti.AllocParams{Address: 0xd000, Bytes: 4096}, exit[0].Params)

	ctx, typ, err := tr.PointerAttributes(0xd800)
	require.NoError(t, err)
	assert.Equal(t, cupti.ContextHandle(0xc1), ctx)
	assert.Equal(t, cupti.MemoryTypeDevice, typ)

	_, typ, err = tr.PointerAttributes(0xe000)
	require.NoError(t, err)
	assert.Equal(t, cupti.MemoryTypeHost, typ)

	free := tr.Translate(record(t, "cuMemFree_v2", siteEnter, 30, 0xd000))
	require.Len(t, free, 1)
	assert.Equal(t, cupti.FreeParams{Address: 0xd000}, free[0].Params)
	tr.Translate(record(t, "cuMemFree_v2", siteExit, 40, 0))

	_, typ, err = tr.PointerAttributes(0xd000)
	require.NoError(t, err)
	assert.Equal(t, cupti.MemoryTypeHost, typ)
}

func TestMemcpyArguments(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	cbs := tr.Translate(record(t, "cuMemcpyHtoDAsync_v2", siteEnter, 10, 0xd000, 0x7f00, 256, 0x55))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.MemcpyParams{Dst: 0xd000, Src: 0x7f00, Bytes: 256}, cbs[0].Params)
	assert.Equal(t, cupti.StreamHandle(0x55), cbs[0].Stream)

	cbs = tr.Translate(record(t, "cuMemcpy", siteEnter, 20, 0xd000, 0xe000, 64))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.MemcpyParams{Kind: cupti.MemcpyDefault, Dst: 0xd000, Src: 0xe000, Bytes: 64}, cbs[0].Params)

	cbs = tr.Translate(record(t, "cuEventRecord", siteEnter, 30, 0xe1, 0x55))
	require.Len(t, cbs, 1)
	assert.Equal(t, uint64(0xe1), cbs[0].Event)
	assert.Equal(t, cupti.StreamHandle(0x55), cbs[0].Stream)
}

func TestExitResult(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	tr.Translate(record(t, "cuEventQuery", siteEnter, 10, 0xe1))
	cbs := tr.Translate(record(t, "cuEventQuery", siteExit, 20, uint64(cupti.ErrNotReady)))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ErrNotReady, cbs[0].Result)
	assert.Equal(t, uint64(0xe1), cbs[0].Event)
}

func TestExitWithoutEnter(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	assert.Empty(t, tr.Translate(record(t, "cuStreamSynchronize", siteExit, 10, 0)))
	assert.Empty(t, tr.Translate(probeEvent{Probe: uint32(len(probes)), Site: siteEnter}))
}

func TestNestedFramesUnwind(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	outer := tr.Translate(record(t, "cuMemcpy", siteEnter, 10, 1, 2, 3))
	tr.Translate(record(t, "cuCtxSynchronize", siteEnter, 11))
	// The inner exit was lost; the outer exit still pairs with its enter.
	cbs := tr.Translate(record(t, "cuMemcpy", siteExit, 20, 0))
	require.Len(t, cbs, 1)
	assert.Equal(t, outer[0].CorrelationID, cbs[0].CorrelationID)
	assert.Empty(t, tr.Translate(record(t, "cuCtxSynchronize", siteExit, 21, 0)))
}

func TestCurrentContextStack(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	tr.Translate(record(t, "cuCtxSetCurrent", siteEnter, 1, 0xc1))
	tr.Translate(record(t, "cuCtxSetCurrent", siteExit, 2, 0))
	tr.Translate(record(t, "cuCtxPushCurrent_v2", siteEnter, 3, 0xc2))
	tr.Translate(record(t, "cuCtxPushCurrent_v2", siteExit, 4, 0))

	cbs := tr.Translate(record(t, "cuCtxSynchronize", siteEnter, 5))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ContextHandle(0xc2), cbs[0].Context)
	tr.Translate(record(t, "cuCtxSynchronize", siteExit, 6, 0))

	tr.Translate(record(t, "cuCtxPopCurrent_v2", siteEnter, 7, 0x3000))
	tr.Translate(record(t, "cuCtxPopCurrent_v2", siteExit, 8, 0))
	cbs = tr.Translate(record(t, "cuCtxSynchronize", siteEnter, 9))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ContextHandle(0xc1), cbs[0].Context)
}

func TestContextDestroy(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1})
	tr.Translate(record(t, "cuCtxCreate_v2", siteEnter, 1, 0x1000, 0, 0))
	tr.Translate(record(t, "cuCtxCreate_v2", siteExit, 2, 0))

	cbs := tr.Translate(record(t, "cuCtxDestroy_v2", siteEnter, 10, 0xc1))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ResourceContextDestroyStarting, cbs[0].ID)
	assert.Equal(t, cupti.ContextHandle(0xc1), cbs[0].Context)

	// The context is still described while the destroy callback runs.
	_, err := tr.ContextID(0xc1)
	require.NoError(t, err)

	tr.Translate(record(t, "cuCtxDestroy_v2", siteExit, 20, 0))
	_, err = tr.ContextID(0xc1)
	assert.Error(t, err)
}

func TestPrimaryContextRefcount(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1})

	tr.Translate(record(t, "cuDevicePrimaryCtxRetain", siteEnter, 1, 0x1000, 2))
	cbs := tr.Translate(record(t, "cuDevicePrimaryCtxRetain", siteExit, 2, 0))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ResourceContextCreated, cbs[0].ID)

	tr.Translate(record(t, "cuDevicePrimaryCtxRetain", siteEnter, 3, 0x1000, 2))
	assert.Empty(t, tr.Translate(record(t, "cuDevicePrimaryCtxRetain", siteExit, 4, 0)))

	assert.Empty(t, tr.Translate(record(t, "cuDevicePrimaryCtxRelease_v2", siteEnter, 5, 2)))
	tr.Translate(record(t, "cuDevicePrimaryCtxRelease_v2", siteExit, 6, 0))

	cbs = tr.Translate(record(t, "cuDevicePrimaryCtxRelease_v2", siteEnter, 7, 2))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ResourceContextDestroyStarting, cbs[0].ID)
	assert.Equal(t, cupti.ContextHandle(0xc1), cbs[0].Context)
	tr.Translate(record(t, "cuDevicePrimaryCtxRelease_v2", siteExit, 8, 0))

	dev, err := tr.ContextDevice(0xc1)
	assert.Error(t, err)
	assert.Equal(t, cupti.Device(0), dev)
}

func TestStreamNumbering(t *testing.T) {
	tr := newTestTracker(fakeMemory{0x1000: 0xc1, 0x3000: 0x55})
	tr.Translate(record(t, "cuCtxCreate_v2", siteEnter, 1, 0x1000, 0, 0))
	tr.Translate(record(t, "cuCtxCreate_v2", siteExit, 2, 0))

	id, err := tr.StreamID(0xc1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)

	tr.Translate(record(t, "cuStreamCreate", siteEnter, 3, 0x3000, 0))
	cbs := tr.Translate(record(t, "cuStreamCreate", siteExit, 4, 0))
	require.Len(t, cbs, 1)
	assert.Equal(t, cupti.ResourceStreamCreated, cbs[0].ID)
	assert.Equal(t, cupti.StreamHandle(0x55), cbs[0].Stream)

	id, err = tr.StreamID(0xc1, 0x55)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	// Streams created before attach are numbered on first sight.
	id, err = tr.StreamID(0xc1, 0x66)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	_, err = tr.StreamID(0xc9, 0)
	assert.Error(t, err)
}

func TestActivityEntryPointsAreInert(t *testing.T) {
	tr := newTestTracker(fakeMemory{})
	assert.NoError(t, tr.Enable(cupti.ActivityKernel))
	assert.NoError(t, tr.FlushAll())
	n, err := tr.DroppedRecords(0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, tr.Synchronize(0xc1))

	_, err = tr.DeviceAttributes(0)
	assert.Error(t, err)
	ts, err := tr.Timestamp()
	require.NoError(t, err)
	assert.NotZero(t, ts)
}
