package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

func collect(t *testing.T, buf []byte) ([]Record, *Iterator) {
	t.Helper()
	it := NewIterator(buf)
	var out []Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it
}

func TestRoundTripMixedBuffer(t *testing.T) {
	kernel := &Kernel{
		ActivityKind:       cupti.ActivityConcurrentKernel,
		Start:              1000,
		End:                2000,
		CorrelationID:      7,
		ContextID:          1,
		StreamID:           13,
		GridX:              4,
		GridY:              2,
		GridZ:              1,
		BlockX:             128,
		BlockY:             1,
		BlockZ:             1,
		StaticSharedMemory: 256,
		RegistersPerThread: 32,
		Name:               "_Z6vecAddPfS_S_i",
	}
	memcpy := &Memcpy{
		Start:         2100,
		End:           2300,
		Bytes:         4096,
		CorrelationID: 8,
		ContextID:     1,
		StreamID:      13,
		CopyKind:      cupti.CopyHtoD,
		SrcKind:       cupti.MemoryPageable,
		DstKind:       cupti.MemoryDevice,
	}

	var buf []byte
	buf = AppendKernel(buf, kernel)
	buf = AppendRaw(buf, cupti.ActivityKind(42), []byte{1, 2, 3})
	buf = AppendMemcpy(buf, memcpy)
	assert.Zero(t, len(buf)%8)

	recs, it := collect(t, buf)
	require.NoError(t, it.Err())
	require.Len(t, recs, 3)

	if diff := cmp.Diff(kernel, recs[0]); diff != "" {
		t.Fatalf("kernel mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, &Unknown{ActivityKind: 42, Size: 16}, recs[1])
	if diff := cmp.Diff(memcpy, recs[2]); diff != "" {
		t.Fatalf("memcpy mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(8), recs[0].(*Kernel).BlocksPerGrid())
	assert.Equal(t, uint64(128), recs[0].(*Kernel).ThreadsPerBlock())
}

func TestTruncatedHeaderStops(t *testing.T) {
	buf := AppendMemcpy(nil, &Memcpy{Start: 1, End: 2})
	buf = append(buf, 3, 0, 0, 0)

	recs, it := collect(t, buf)
	assert.Len(t, recs, 1)
	assert.ErrorIs(t, it.Err(), ErrTruncated)
	assert.False(t, it.Next())
}

func TestOversizedRecordStops(t *testing.T) {
	buf := AppendMemcpy(nil, &Memcpy{Start: 1, End: 2})
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(buf)+8))

	recs, it := collect(t, buf)
	assert.Empty(t, recs)
	assert.ErrorIs(t, it.Err(), ErrTruncated)
}

func TestMalformedBodySkipped(t *testing.T) {
	buf := AppendRaw(nil, cupti.ActivityMemcpy, make([]byte, 8))
	buf = AppendMemcpy(buf, &Memcpy{Start: 5, End: 6, Bytes: 1})

	recs, it := collect(t, buf)
	require.NoError(t, it.Err())
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(5), recs[0].(*Memcpy).Start)
	assert.Equal(t, 1, it.Skipped())
}

func TestKernelNameOverrun(t *testing.T) {
	buf := AppendKernel(nil, &Kernel{Start: 1, End: 2, Name: "k"})
	binary.LittleEndian.PutUint16(buf[kernelWireSize-2:], 200)

	recs, it := collect(t, buf)
	assert.Empty(t, recs)
	assert.NoError(t, it.Err())
	assert.Equal(t, 1, it.Skipped())
}

func TestEmptyBuffer(t *testing.T) {
	recs, it := collect(t, nil)
	assert.Empty(t, recs)
	assert.NoError(t, it.Err())
}
