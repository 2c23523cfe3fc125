package main

import (
	"github.com/chunchiehdev/gradeflow/internal/cmd"
)

// Set at build time via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
