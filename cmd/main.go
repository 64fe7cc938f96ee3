package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ALEYI17/InfraSight_cupti/internal/config"
	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logutil.InitLogger()

	logger := logutil.GetLogger()
	defer logger.Sync()

	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "infrasight-cupti",
		Short:         "Correlate CUDA API calls and device activity into a measurement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("features", "", "CUDA features to record, overrides INFRASIGHT_CUDA_ENABLE")
	root.AddCommand(traceCommand(), replayCommand(), collectCommand())
	return root
}

// loadConfig reads the environment and applies the flags that override it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if f := cmd.Flags().Lookup("features"); f != nil && f.Changed {
		features, err := config.ParseFeatures(f.Value.String())
		if err != nil {
			return config.Config{}, err
		}
		cfg.Features = features
		return config.New(cfg)
	}
	return cfg, nil
}
