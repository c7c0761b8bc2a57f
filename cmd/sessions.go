package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and reset agent sessions",
	}

	var agent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, optionally for one agent",
		Run: func(cmd *cobra.Command, args []string) {
			params := map[string]string{}
			if agent != "" {
				params["agent"] = agent
			}
			runRPC(protocol.MethodSessionsList, params)
		},
	}
	list.Flags().StringVar(&agent, "agent", "", "agent id (default: all agents)")
	cmd.AddCommand(list)

	var baseHash string
	patch := &cobra.Command{
		Use:   "patch <agent> <session-key> <json>",
		Short: "Merge a partial JSON patch onto one session entry",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodSessionsPatch, map[string]interface{}{
				"agent":    args[0],
				"baseHash": baseHash,
				"patches":  map[string]json.RawMessage{args[1]: json.RawMessage(args[2])},
			})
		},
	}
	patch.Flags().StringVar(&baseHash, "base-hash", "", "hash from sessions list; mismatch aborts with a conflict")
	cmd.AddCommand(patch)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <agent> <session-key>",
		Short: "Reset a session (next message starts fresh)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodSessionsReset, map[string]string{
				"agent": args[0], "sessionKey": args[1],
			})
		},
	})

	return cmd
}
