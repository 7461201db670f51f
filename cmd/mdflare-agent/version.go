package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags; "dev" otherwise.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the agent's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mdflare-agent " + Version)
	},
}
