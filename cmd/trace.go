package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ALEYI17/InfraSight_cupti/internal/activity"
	"github.com/ALEYI17/InfraSight_cupti/internal/bufferpool"
	"github.com/ALEYI17/InfraSight_cupti/internal/clocksync"
	"github.com/ALEYI17/InfraSight_cupti/internal/collector"
	"github.com/ALEYI17/InfraSight_cupti/internal/collector/aggregator"
	"github.com/ALEYI17/InfraSight_cupti/internal/collector/timeserie"
	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/internal/cudadrv"
	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
	"github.com/ALEYI17/InfraSight_cupti/internal/devices"
	"github.com/ALEYI17/InfraSight_cupti/internal/dispatcher"
	"github.com/ALEYI17/InfraSight_cupti/internal/emitter"
	"github.com/ALEYI17/InfraSight_cupti/internal/grpc"
	"github.com/ALEYI17/InfraSight_cupti/internal/loaders"
	"github.com/ALEYI17/InfraSight_cupti/internal/measurement"
	"github.com/ALEYI17/InfraSight_cupti/internal/registry"
	"github.com/ALEYI17/InfraSight_cupti/internal/telemetry"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

const callsiteCache = 4096

func traceCommand() *cobra.Command {
	var pid int
	var libcuda string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Probe libcuda and forward per-location statistics to the collector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pid") {
				cfg.TargetPID = pid
			}
			if libcuda != "" {
				cfg.LibCUDA = libcuda
			}
			return runTrace(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "only trace this process")
	cmd.Flags().StringVar(&libcuda, "libcuda", "", "path of the libcuda to probe")
	return cmd
}

func runTrace(ctx context.Context, cfg config.Config) error {
	logger := logutil.GetLogger()
	metrics := telemetry.New()

	var device cupti.Driver
	if lib, err := cudadrv.Open(cfg.LibCUDA, cfg.LibCUPTI); err != nil {
		logger.Warn("local CUDA driver unavailable, device clock and attributes fall back", zap.Error(err))
	} else {
		device = lib
	}

	remap, err := devices.Load(cfg.VisibleDevices)
	if err != nil {
		logger.Warn("cannot map CUDA devices to physical devices", zap.Error(err))
		remap = devices.Identity()
	}

	tracker := loaders.NewTracker(loaders.ProcMemory{}, device)

	windows := aggregator.NewGPUAggregator(cfg.FlushInterval)
	series := timeserie.NewTimeSeriesCollector(cfg.FlushInterval)
	rec := measurement.NewRecorder(clocksync.Monotonic)
	rec.AddSink(collector.Sink(windows, series))

	reg := registry.New(registry.Options{
		Config: cfg,
		Core:   rec,
		Driver: tracker,
		Remap:  remap,
		Clock:  clocksync.Monotonic,
	})
	sites, err := dispatcher.NewCallsites(callsiteCache)
	if err != nil {
		return err
	}
	em := emitter.New(emitter.Options{Registry: reg, Callsites: sites, Metrics: metrics})
	act := activity.New(activity.Options{
		Registry:  reg,
		Emitter:   em,
		Driver:    tracker,
		Activity:  tracker,
		Allocator: bufferpool.DefaultAllocator(),
		Metrics:   metrics,
	})
	disp := dispatcher.New(dispatcher.Options{
		Registry:  reg,
		Emitter:   em,
		Activity:  act,
		Driver:    tracker,
		Callsites: sites,
		Metrics:   metrics,
	})
	if cfg.RecordActivity() {
		if err := act.Enable(); err != nil {
			logger.Warn("cannot enable CUDA activity records", zap.Error(err))
		}
	}

	loader, err := loaders.NewCallbackLoader(types.LoaderUprobe, loaders.Options{
		LibCUDA: cfg.LibCUDA,
		PID:     cfg.TargetPID,
		Tracker: tracker,
		Handle:  disp.Handle,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer loader.Close()
	logger.Info("Loader created successfully",
		zap.String("library", cfg.LibCUDA),
		zap.Int("pid", cfg.TargetPID),
		zap.Stringers("domains", disp.Domains()))

	client, err := grpc.NewGrpcClient(cfg.ServerAdress, cfg.Serverport, cfg.Nodename)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("gRPC Client created successfully")

	// Collectors outlive the loader so the events of the final flush reach
	// the collector service.
	collectCtx, stopCollect := context.WithCancel(context.Background())
	defer stopCollect()
	batches := collector.Merge(collectCtx, windows, series)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddress, metrics) })
	g.Go(func() error {
		defer stopCollect()
		err := loader.Run(gctx)
		return multierr.Append(err, act.Finalize())
	})
	g.Go(func() error { return client.Run(context.WithoutCancel(gctx), batches) })

	err = g.Wait()
	logger.Info("Client finished running")
	return err
}
