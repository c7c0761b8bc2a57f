package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage channel accounts on the running gateway",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known channels and their accounts",
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodChannelsList, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show runtime status of every account",
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodChannelsStatus, nil)
		},
	})

	var account string
	start := &cobra.Command{
		Use:   "start <channel>",
		Short: "Start a channel account",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodChannelsStart, map[string]string{
				"channel": args[0], "account": account,
			})
		},
	}
	start.Flags().StringVar(&account, "account", "", "account id (default: \"default\")")
	cmd.AddCommand(start)

	var stopAccount string
	stop := &cobra.Command{
		Use:   "stop <channel>",
		Short: "Stop a channel account",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodChannelsStop, map[string]string{
				"channel": args[0], "account": stopAccount,
			})
		},
	}
	stop.Flags().StringVar(&stopAccount, "account", "", "account id (default: \"default\")")
	cmd.AddCommand(stop)

	return cmd
}
