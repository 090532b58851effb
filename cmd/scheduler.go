package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvest-controller/internal/api"
	"github.com/JakeFAU/harvest-controller/internal/scheduler"
)

// newSchedulerCmd creates the 'scheduler' subcommand.
func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Runs the scheduler side of the harvester handshake",
		Long: `Answers harvester channel registrations from the configured channel
store, records the job statuses harvesters report and accepts job submissions
over HTTP at POST /v1/jobs.`,
		RunE: runScheduler,
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	if err := rt.cfg.ValidateScheduler(); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	chans, statuses, err := a.NewSchedulerStores(ctx)
	if err != nil {
		return err
	}
	sched := scheduler.New(a.Bus(), a.Namer(), chans, statuses, rt.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop(ctx)

	server := api.NewServer(
		api.WithLogger(rt.logger),
		api.WithAPIKey(rt.cfg.Server.APIKey),
		api.WithReadinessCheck("bus", a.Ready),
		api.WithScheduler(sched, chans, statuses),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(gctx, rt.cfg.Server, server, rt.logger)
	})
	return g.Wait()
}
