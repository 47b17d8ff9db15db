// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// BuildInfo returns build and runtime metadata as a map, suitable for
// JSON output from the version command and the health endpoint.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header sent on every outbound request.
func UserAgent() string {
	return "SuvFin/" + Version + " (+https://suvfin.com)"
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("SuvFin %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
