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
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns compile-time and platform metadata, used by the status
// worker (§4.I) to populate the node's software descriptor.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UptimeString renders the uptime as "1d 2h 3m 4s", matching the original
// project's get_software_uptime_string format.
func UptimeString() string {
	return formatDuration(Uptime())
}

func formatDuration(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("OpenADMS Node %s (%s) built %s", Version, GitCommit, BuildTime)
}
