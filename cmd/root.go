// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/app"
	"github.com/JakeFAU/harvest-controller/internal/config"
	"github.com/JakeFAU/harvest-controller/internal/logging"
	"github.com/JakeFAU/harvest-controller/internal/metrics"
	"github.com/JakeFAU/harvest-controller/internal/telemetry"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg      config.Config
	logger   *zap.Logger
	shutdown func(context.Context) error
}

// newApp is the application factory. It's a variable so tests can swap in
// in-process drivers.
var newApp = app.New

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest controller and scheduler for a distributed web archive.",
		Long: `harvester runs the harvest controller that takes crawl jobs from the
message bus, drives the crawl engine and uploads the resulting archive files.
It also runs the scheduler side of the handshake for development setups.`,
		SilenceUsage: true,

		// Load configuration and build the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()

			rt := &runtime{cfg: cfg, logger: logger, shutdown: func(context.Context) error { return nil }}
			if cfg.Telemetry.Enabled {
				tp, err := telemetry.InitTracerProvider(cmd.Context(), cfg.Telemetry.ServiceName)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				rt.shutdown = tp.Shutdown
			}

			ctx := logging.WithLogger(cmd.Context(), logger)
			cmd.SetContext(context.WithValue(ctx, runtimeKey, rt))
			return nil
		},

		// Flush telemetry and logs once the subcommand returns.
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.shutdown(context.WithoutCancel(cmd.Context())); err != nil {
				rt.logger.Warn("Failed to shut down tracing", zap.Error(err))
			}
			_ = rt.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the HARVESTER_ prefix)")

	cmd.AddCommand(newControllerCmd())
	cmd.AddCommand(newSchedulerCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newChannelsCmd())

	return cmd
}

func runtimeFrom(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}
