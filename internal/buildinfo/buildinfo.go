// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

import "fmt"

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/runbot/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/runbot/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (RFC 3339).
	// Set via: -ldflags "-X github.com/terrpan/runbot/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String is the one-line form printed by "runbot version".
func String() string {
	return fmt.Sprintf("runbot %s (commit %s, built %s)", Version, Commit, BuildTime)
}

// UserAgent identifies the controller to the APIs it calls.
func UserAgent() string {
	return "runbot/" + Version
}
