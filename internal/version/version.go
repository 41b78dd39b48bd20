// Package version holds build metadata stamped in by linker flags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the orchestrator release version.
	Version = "0.1.0"

	// GitCommit is the commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is when the binary was built.
	BuildTime = "unknown"

	// GoVersion is the toolchain version used to build the binary.
	GoVersion = runtime.Version()
)

// FullVersion returns a human-readable build string for --version and
// the status surface's /health response.
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// UserAgent identifies outbound LLM requests made by this build.
func UserAgent() string {
	return fmt.Sprintf("codegraph-orchestrator/%s", Version)
}
