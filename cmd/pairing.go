package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <channel>",
		Short: "List pairing requests for a channel",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodPairingList, map[string]string{"channel": args[0]})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a pairing request by its code",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodPairingApprove, map[string]string{
				"channel": args[0], "code": args[1],
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <channel> <sender-id>",
		Short: "Remove a sender from the channel allowlist",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodPairingRevoke, map[string]string{
				"channel": args[0], "id": args[1],
			})
		},
	})

	return cmd
}
