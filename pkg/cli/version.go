package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// BuildInfo carries the build-time version identifiers set via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var buildInfo = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetBuildInfo installs the build identifiers. Called by main before Execute.
func SetBuildInfo(bi BuildInfo) {
	buildInfo = bi
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mockrpc %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
			buildInfo.Version, buildInfo.Commit, buildInfo.BuildDate, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
