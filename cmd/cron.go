package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and trigger scheduled jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cron jobs with last/next run times",
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodCronList, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <job-id>",
		Short: "Fire a cron job immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodCronRun, map[string]string{"id": args[0]})
		},
	})

	return cmd
}
