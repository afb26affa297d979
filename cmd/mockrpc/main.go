// mockrpc - rule-driven mock gRPC / gRPC-Web server.
package main

import (
	"github.com/mockrpc/mockrpc/pkg/cli"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.SetBuildInfo(cli.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate})
	cli.Execute()
}
