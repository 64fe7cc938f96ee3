package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func startCollector(t *testing.T) (*Client, <-chan *types.Batch) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	received := make(chan *types.Batch, 4)
	col := &Collector{OnBatch: func(b *types.Batch) { received <- b }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- col.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	client, err := newClient("passthrough:///bufnet", "node-a",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, received
}

func testBatch() *types.Batch {
	return &types.Batch{
		Type: types.BatchTimeWindow,
		Batch: []*types.LocationEvent{
			{
				Location:  2,
				Name:      "CUDA[0:7]",
				EventType: "GPU_TIME_WINDOW",
				Window:    &types.TimeWindow{KernelCount: 3, BusyNs: 900, IdleNs: 100, Utilization: 0.9},
			},
			{
				Location:  2,
				Name:      "CUDA[0:7]",
				EventType: "timeserie",
				Token:     &types.EventToken{Timestamp: 10, EventType: int64(types.EVENT_RMA_GET), Value: 4096},
			},
		},
	}
}

func TestSendGpuBatch(t *testing.T) {
	client, received := startCollector(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := client.SendGpuBatch(ctx, testBatch())
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, 2, ack.Received)

	got := <-received
	want := testBatch()
	want.Node = "node-a"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("received batch mismatch (-want +got):\n%s", diff)
	}
}

func TestRunForwardsUntilClosed(t *testing.T) {
	client, received := startCollector(t)

	batches := make(chan *types.Batch, 2)
	batches <- testBatch()
	batches <- &types.Batch{Type: types.BatchTimeSeries, Node: "node-b"}
	close(batches)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Run(ctx, batches))

	first := <-received
	assert.Equal(t, types.BatchTimeWindow, first.Type)
	second := <-received
	assert.Equal(t, "node-b", second.Node)
	assert.Empty(t, second.Batch)
}

func TestCodecRoundTrip(t *testing.T) {
	var c msgpackCodec
	assert.Equal(t, "msgpack", c.Name())

	data, err := c.Marshal(testBatch())
	require.NoError(t, err)
	var got types.Batch
	require.NoError(t, c.Unmarshal(data, &got))
	if diff := cmp.Diff(testBatch(), &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
