// Package main is the entry point for the bboard server.
//
// Usage:
//
//	bboard serve                   # Start with defaults and environment overrides
//	bboard serve -c bboard.yaml    # Start from a config file
//	bboard validate -c bboard.yaml # Validate configuration
//	bboard version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via ldflags, e.g. -X main.version=1.0.0.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "bboard",
	Short: "A multi-room bulletin board server",
	Long: `bboard serves a public message board and a set of private groups.

Clients speak newline-delimited JSON over TCP, or send the same JSON
objects as WebSocket text frames on /ws.

Quick start:
  1. Run: bboard serve
  2. Connect: nc localhost 6789
  3. Send: {"header":{"command":"connect","username":"alice"},"body":{}}`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "bboard %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
