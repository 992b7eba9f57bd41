// Package version holds build-time version metadata.
package version

var (
	Version = "0.3.0"
	Commit  = "none"
	Date    = "unknown"
)
