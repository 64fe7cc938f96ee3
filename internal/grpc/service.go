package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

const (
	serviceName     = "infrasight.cupti.GpuEventCollector"
	sendBatchMethod = "/" + serviceName + "/SendGpuBatch"
	maxMsgSize      = 64 * 1024 * 1024
)

// CollectorServer receives event batches from tracers.
type CollectorServer interface {
	SendGpuBatch(context.Context, *types.Batch) (*types.Ack, error)
}

func sendGpuBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).SendGpuBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sendBatchMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).SendGpuBatch(ctx, req.(*types.Batch))
	}
	return interceptor(ctx, in, info, handler)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendGpuBatch",
			Handler:    sendGpuBatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collector",
}

func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&collectorServiceDesc, srv)
}
