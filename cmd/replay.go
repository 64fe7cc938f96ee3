package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/collector/timeserie"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/devices"
	"github.com/ALEYI17/InfraSight_cupti/internal/grpc"
	"github.com/ALEYI17/InfraSight_cupti/internal/replay"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

func replayCommand() *cobra.Command {
	var forward bool
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Play a recorded scenario through the correlation layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := replay.Load(args[0])
			if err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("features"); f != nil && f.Changed {
				sc.Features = f.Value.String()
			}
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			return runReplay(cmd.Context(), sc, cfg, forward, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&forward, "forward", false, "send the statistics to the collector service")
	return cmd
}

func runReplay(ctx context.Context, sc *replay.Scenario, cfg config.Config, forward bool, out io.Writer) error {
	logger := logutil.GetLogger()
	metrics := telemetry.New()
	series := timeserie.NewTimeSeriesCollector(time.Second)

	remap, err := devices.Load(cfg.VisibleDevices)
	if err != nil {
		logger.Debug("replaying with CUDA device ordinals", zap.Error(err))
		remap = devices.Identity()
	}

	r, err := replay.New(sc, replay.Options{
		Sinks:   []func(types.Event){series.Update},
		Metrics: metrics,
		Remap:   remap,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	runErr := r.Run(ctx)
	summary := r.Summary()
	if err := printSummary(out, summary); err != nil {
		return multierr.Append(runErr, err)
	}
	if !forward {
		return runErr
	}

	client, err := grpc.NewGrpcClient(cfg.ServerAdress, cfg.Serverport, cfg.Nodename)
	if err != nil {
		return multierr.Append(runErr, err)
	}
	defer client.Close()

	sendCtx := context.WithoutCancel(ctx)
	if len(summary) > 0 {
		_, err := client.SendGpuBatch(sendCtx, &types.Batch{Type: types.BatchTimeWindow, Batch: summary})
		runErr = multierr.Append(runErr, err)
	}
	if batch := series.Flush(); batch != nil {
		_, err := client.SendGpuBatch(sendCtx, batch)
		runErr = multierr.Append(runErr, err)
	}
	return runErr
}

func printSummary(out io.Writer, summary []*types.LocationEvent) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCATION\tNAME\tREGIONS\tKERNELS\tBUSY(ns)\tIDLE(ns)\tGET(B)\tPUT(B)\tALLOC(B)\tFREES")
	for _, le := range summary {
		tw := le.Window
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			le.Location, le.Name, tw.RegionCount, tw.KernelCount, tw.BusyNs, tw.IdleNs,
			tw.RmaGetBytes, tw.RmaPutBytes, tw.AllocBytes, tw.FreeCount)
	}
	return w.Flush()
}
