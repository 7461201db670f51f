package main

import "github.com/spf13/cobra"

// callbackCmd applies an "mdflare://callback?username=...&token=..." URL to
// the persisted config, idempotently, for the system-tray UI's OAuth
// handoff.
var callbackCmd = &cobra.Command{
	Use:   "callback <url>",
	Short: "apply an mdflare://callback URL to the agent's config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return handleCallback(args[0])
	},
}
