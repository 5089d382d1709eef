// Package main is the CLI entry point for the BrowserOS agent server: a
// local HTTP service that hosts per-conversation agent runtimes, the local
// browser-tool MCP server, and the extension WebSocket bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agent-server",
		Short: "BrowserOS agent orchestration server",
		Long: `agent-server hosts per-conversation agent runtimes behind a local HTTP
API: streaming chat turns, MCP tool aggregation, and the extension bridge.`,
		SilenceUsage: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent-server %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
