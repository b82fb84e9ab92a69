// Boma — best-effort process-level sandbox for AI agent tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "boma",
	Short: "Boma — per-task sandbox sessions for AI agents.",
	Long: `Boma gives each agent task an isolated session: a private workspace
directory, bounded shell execution, safe file operations, and an optional
headless browser. Sessions are created on first use and destroyed explicitly
or after going idle.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, mcpCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
