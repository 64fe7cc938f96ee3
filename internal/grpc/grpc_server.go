package grpc

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

// Collector is the receiving end of the tracers. Every batch is logged and
// handed to OnBatch when set.
type Collector struct {
	OnBatch func(*types.Batch)
}

func (c *Collector) SendGpuBatch(ctx context.Context, in *types.Batch) (*types.Ack, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "empty batch")
	}
	logutil.GetLogger().Info("Received batch",
		zap.String("type", in.Type),
		zap.String("node", in.Node),
		zap.Int("size", len(in.Batch)))
	if c.OnBatch != nil {
		c.OnBatch(in)
	}
	return &types.Ack{Status: "ok", Received: len(in.Batch)}, nil
}

// Serve runs the collector on lis until ctx is done.
func (c *Collector) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(maxMsgSize))
	RegisterCollectorServer(srv, c)

	stop := context.AfterFunc(ctx, srv.GracefulStop)
	defer stop()

	logutil.GetLogger().Info("Collector listening", zap.String("address", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
