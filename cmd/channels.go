package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvest-controller/internal/channels"
)

// newChannelsCmd creates the 'channels' subcommand.
func newChannelsCmd() *cobra.Command {
	var harvestChannel string
	var snapshot bool
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Prints the message channel names of this deployment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			host := rt.cfg.Channels.Host
			if host == "" {
				host = "localhost"
			}
			port := rt.cfg.Channels.Port
			if port == 0 {
				port = rt.cfg.Server.Port
			}
			namer, err := channels.NewNamer(rt.cfg.Environment, rt.cfg.Channels.Replica, host, port)
			if err != nil {
				return err
			}
			return printChannels(cmd, namer, harvestChannel, snapshot)
		},
	}
	cmd.Flags().StringVar(&harvestChannel, "harvest-channel", "", "also print the job channel of this harvest channel")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "treat --harvest-channel as a snapshot channel")
	return cmd
}

func printChannels(cmd *cobra.Command, namer *channels.Namer, harvestChannel string, snapshot bool) error {
	all := namer.All()
	if harvestChannel != "" {
		jobChannel, err := namer.JobChannel(harvestChannel, snapshot)
		if err != nil {
			return err
		}
		all["JOB_CHANNEL"] = jobChannel
	}
	roles := make([]string, 0, len(all))
	for role := range all {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	out := cmd.OutOrStdout()
	for _, role := range roles {
		kind := "queue"
		if all[role].Topic {
			kind = "topic"
		}
		if _, err := fmt.Fprintf(out, "%-24s %-6s %s\n", role, kind, all[role].Name); err != nil {
			return fmt.Errorf("write channels: %w", err)
		}
	}
	return nil
}
