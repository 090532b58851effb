package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvest-controller/internal/api"
	"github.com/JakeFAU/harvest-controller/internal/app"
	"github.com/JakeFAU/harvest-controller/internal/clock/system"
	"github.com/JakeFAU/harvest-controller/internal/crawler"
	"github.com/JakeFAU/harvest-controller/internal/harvest"
	"github.com/JakeFAU/harvest-controller/internal/hash/sha256"
	"github.com/JakeFAU/harvest-controller/internal/postprocess"
)

// newControllerCmd creates the 'controller' subcommand.
func newControllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Runs a harvest controller",
		Long: `Registers the configured harvest channel with the scheduler, then takes
one crawl job at a time from the channel's job queue, runs the crawl engine
and uploads the archive files. Interrupted jobs found in the server directory
are post-processed before the first job is taken.`,
		RunE: runController,
	}
}

func runController(cmd *cobra.Command, _ []string) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	if err := rt.cfg.ValidateController(); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := buildController(ctx, a)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		if errors.Is(err, harvest.ErrShutdownRequested) {
			return nil
		}
		return err
	}

	server := api.NewServer(
		api.WithLogger(rt.logger),
		api.WithAPIKey(rt.cfg.Server.APIKey),
		api.WithReadinessCheck("bus", a.Ready),
		api.WithController(ctrl),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return serveHTTP(gctx, rt.cfg.Server, server, rt.logger)
	})
	g.Go(func() error {
		select {
		case <-ctrl.Done():
		case <-gctx.Done():
			rt.logger.Info("Shutting down harvest controller")
			ctrl.Close()
		}
		ctrl.Wait()
		cancel()
		return nil
	})
	return g.Wait()
}

// buildPostProcessor wires archive upload and status reporting for the server dir.
func buildPostProcessor(ctx context.Context, a *app.App) (*postprocess.PostProcessor, error) {
	cfg := a.Config()
	provider, err := a.NewStorage(ctx)
	if err != nil {
		return nil, err
	}
	opts := []postprocess.Option{
		postprocess.WithLogger(a.Logger()),
		postprocess.WithNotifier(a.Notifier()),
		postprocess.WithHasher(sha256.New()),
	}
	if cfg.Controller.OldJobsDir != "" {
		opts = append(opts, postprocess.WithOldJobsDir(cfg.Controller.OldJobsDir))
	}
	reporter := harvest.NewStatusReporter(a.Bus(), a.Namer())
	return postprocess.New(cfg.Controller.ServerDir, provider, reporter, opts...), nil
}

func buildController(ctx context.Context, a *app.App) (*harvest.Controller, error) {
	cfg := a.Config()
	post, err := buildPostProcessor(ctx, a)
	if err != nil {
		return nil, err
	}
	engine := crawler.NewProcessEngine(crawler.ProcessConfig{
		Command:       cfg.Crawler.Command,
		Args:          cfg.Crawler.Args,
		PollInterval:  cfg.Crawler.PollInterval,
		ReportTimeout: cfg.Crawler.ReportTimeout,
	}, a.Logger())
	cr := crawler.New(cfg.Controller.ServerDir, engine,
		crawler.WithLogger(a.Logger()),
		crawler.WithClock(system.New()),
	)

	a.Logger().Info("Harvest controller configured",
		zap.String("server_dir", cfg.Controller.ServerDir),
		zap.String("channel", cfg.Controller.Channel),
		zap.String("engine", cfg.Crawler.Command),
	)
	return harvest.NewController(harvest.Config{
		ServerDir:             cfg.Controller.ServerDir,
		MinSpaceRequired:      cfg.Controller.MinSpaceRequired,
		ChannelName:           cfg.Controller.Channel,
		ApplicationInstanceID: a.InstanceID(),
		Hostname:              a.Hostname(),
		SendReadyDelay:        cfg.Controller.SendReadyDelay,
		ResendPause:           cfg.Controller.ResendPause,
	}, a.Bus(), a.Namer(), cr, post,
		harvest.WithLogger(a.Logger()),
		harvest.WithNotifier(a.Notifier()),
	), nil
}
