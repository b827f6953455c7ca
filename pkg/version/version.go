// Package version provides build version information for astmcp.
package version

// Version is the current astmcp version.
// Overridden at build time via -ldflags "-X github.com/astmcp/astmcp/pkg/version.Version=v1.2.3".
var Version = "dev"

// Commit is the git commit hash, set at build time.
var Commit = "unknown"

// BuildDate is the build timestamp, set at build time.
var BuildDate = "unknown"
