package main

import (
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/grpc"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func collectCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Receive batches from tracers and log them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			logger := logutil.GetLogger()
			logger.Info("collector listening", zap.String("address", lis.Addr().String()))

			col := &grpc.Collector{OnBatch: func(b *types.Batch) {
				for _, le := range b.Batch {
					if le.Window == nil {
						continue
					}
					logger.Debug("time window",
						zap.String("node", b.Node),
						zap.String("location", le.Name),
						zap.Uint64("kernels", le.Window.KernelCount),
						zap.Float64("utilization", le.Window.Utilization))
				}
			}}
			return col.Serve(cmd.Context(), lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address the collector service listens on")
	return cmd
}
