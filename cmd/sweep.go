package cmd

import (
	"github.com/spf13/cobra"
)

// newSweepCmd creates the 'sweep' subcommand.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Post-processes interrupted crawl directories and exits",
		Long: `Scans the server directory for crawl directories left behind by an
interrupted harvester, uploads their archive files, reports a final status
for each job and moves the directories to the old jobs directory.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	post, err := buildPostProcessor(ctx, a)
	if err != nil {
		return err
	}
	return post.Sweep(ctx)
}
