package replay

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

const kernelScenario = `
features: kernel
buffer_size: 16384
chunk_size: 8192
contexts:
  - handle: 193
    id: 1
    device: 0
    default_stream: 7
steps:
  - host: 5000
    device: [1, 1000]
    call: {domain: resource, function: context_created, context: 193}
  - buffer:
      context: 193
      kernels:
        - {start: 1500, end: 1600, context_id: 1, stream: 13, name: _Z1kv, grid: [2, 1, 1], block: [64, 1, 1]}
  - host: 7000
    device: [2000]
    flush: 193
`

type ev struct {
	Type     uint8
	Ts       uint64
	Name     string
	Location string
}

func kernelEvents(events []types.Event) []ev {
	var out []ev
	for _, e := range events {
		if measurement.RegionKind(e.RegionKind) != measurement.RegionKernel {
			continue
		}
		if e.Type != types.EVENT_ENTER && e.Type != types.EVENT_EXIT {
			continue
		}
		out = append(out, ev{Type: e.Type, Ts: e.Timestamp, Name: e.Name, Location: e.LocationName})
	}
	return out
}

func TestReplayKernelBuffer(t *testing.T) {
	sc, err := Parse([]byte(kernelScenario))
	require.NoError(t, err)

	var streamed int
	r, err := New(sc, Options{Sinks: []func(types.Event){func(types.Event) { streamed++ }}})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, r.Close())

	want := []ev{
		{types.EVENT_ENTER, 6000, "k()", "CUDA[0:13]"},
		{types.EVENT_EXIT, 6200, "k()", "CUDA[0:13]"},
	}
	if diff := cmp.Diff(want, kernelEvents(r.Recorder().Events())); diff != "" {
		t.Fatalf("kernel events mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, len(r.Recorder().Events()), streamed)

	var stream *types.LocationEvent
	for _, le := range r.Summary() {
		if le.Name == "CUDA[0:13]" {
			stream = le
		}
	}
	require.NotNil(t, stream)
	assert.Equal(t, uint64(1), stream.Window.KernelCount)
	assert.Equal(t, uint64(200), stream.Window.BusyNs)
	assert.Nil(t, r.Summary())
}

func TestReplayRuntimeRegion(t *testing.T) {
	sc, err := Parse([]byte(`
features: runtime
steps:
  - call: {domain: runtime, function: cudaLaunchKernel, site: enter, time: 10}
  - call: {domain: runtime, function: cudaLaunchKernel, site: exit, time: 20}
`))
	require.NoError(t, err)

	r, err := New(sc, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	events := r.Recorder().EventsAt(measurement.HostLocation)
	require.Len(t, events, 2)
	assert.Equal(t, "cudaLaunchKernel", events[0].Name)
	assert.Equal(t, uint64(10), events[0].Timestamp)
	assert.Equal(t, uint64(20), events[1].Timestamp)
}

func TestParseRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"domain", "steps:\n  - call: {domain: nvtx, function: push}\n"},
		{"function", "steps:\n  - call: {domain: runtime, function: cudaNothing}\n"},
		{"notification", "steps:\n  - call: {domain: resource, function: module_loaded}\n"},
		{"site", "steps:\n  - call: {domain: runtime, function: cudaMalloc, site: middle}\n"},
		{"copy kind", "steps:\n  - buffer: {context: 1, copies: [{kind: XtoY}]}\n"},
		{"pointer", "pointers:\n  - {address: 16, type: texture}\n"},
		{"feature", "features: everything\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	sc, err := Parse([]byte(kernelScenario))
	require.NoError(t, err)
	r, err := New(sc, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Empty(t, r.Registry().Contexts())
}
