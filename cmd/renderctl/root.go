package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var serverFlag string
	var adminKeyFlag string
	var jsonFlag bool

	ctx := newCommandContext(&serverFlag, &adminKeyFlag, &jsonFlag)

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Operate the render orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Orchestrator base URL (default http://localhost:<SERVER_PORT>)")
	rootCmd.PersistentFlags().StringVar(&adminKeyFlag, "admin-key", "", "Admin API key (default ADMIN_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newAuditCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newPlanCommand(ctx))

	return rootCmd
}
