// photarc - terminal client for a photarc policy server
package main

import (
	"os"

	"github.com/photarc/photarc/internal/cli"
	"github.com/photarc/photarc/internal/version"
)

// Version information, overridden by ldflags in release builds.
var (
	Version   = "v0.3.0"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	os.Exit(cli.Execute())
}
