// Package cli provides the mockrpc CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mockrpc",
	Short: "mockrpc is a rule-driven mock gRPC and gRPC-Web server",
	Long: `mockrpc serves mock responses for gRPC services described by .proto files.
The same rules answer native gRPC clients, grpc-web clients, and plain
JSON-over-HTTP clients, so every consumer of a service can develop against
one mock.

Responses are selected by priority-ordered rules with request and metadata
conditions, rendered through a template engine, and served across all four
streaming shapes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
