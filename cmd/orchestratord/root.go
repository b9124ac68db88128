package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	plansDir         string
	agentProfilesDir string
	redisAddr        string
	distributedBus   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "orchestratord",
		Short:         "orchestratord plans and executes multi-step agent workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.plansDir, "plans-dir", "", "directory of plan-definition YAML files to load at startup")
	cmd.PersistentFlags().StringVar(&flags.agentProfilesDir, "agent-profiles-dir", "", "directory of agent-profile markdown files")
	cmd.PersistentFlags().StringVar(&flags.redisAddr, "redis-addr", "", "override the configured Redis address")
	cmd.PersistentFlags().BoolVar(&flags.distributedBus, "distributed", false, "force the distributed (Redis pub/sub) message bus")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newMigratePlansCmd(flags))
	cmd.AddCommand(newReplayEventsCmd(flags))

	return cmd
}
