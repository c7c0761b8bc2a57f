package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the running gateway's configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the live config (secrets masked) and its hash",
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodConfigGet, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Print the live config hash",
		Run: func(cmd *cobra.Command, args []string) {
			runRPC(protocol.MethodConfigHash, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <dot.path> <value>",
		Short: "Set one config value on the running gateway (e.g. logging.level debug)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			runConfigSet(args[0], args[1])
		},
	})

	return cmd
}

// runConfigSet reads the live config, applies one dot-path assignment,
// and patches it back under the hash it read, so a concurrent edit
// surfaces as a conflict instead of being clobbered.
func runConfigSet(path, value string) {
	payload, err := gatewayCall(protocol.MethodConfigGet, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	got, ok := payload.(map[string]interface{})
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: unexpected config.get payload")
		os.Exit(1)
	}
	doc, _ := got["config"].(map[string]interface{})
	hash, _ := got["hash"].(string)
	if doc == nil {
		fmt.Fprintln(os.Stderr, "Error: unexpected config.get payload")
		os.Exit(1)
	}

	if err := setDotPath(doc, path, parseValue(value)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runRPC(protocol.MethodConfigPatch, map[string]interface{}{
		"config":   doc,
		"baseHash": hash,
	})
}

// parseValue decodes JSON literals (numbers, booleans, arrays) and
// falls back to the raw string.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func setDotPath(doc map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	cur := doc
	for _, key := range parts[:len(parts)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			if _, exists := cur[key]; exists {
				return fmt.Errorf("%q is not an object", key)
			}
			next = map[string]interface{}{}
			cur[key] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}
