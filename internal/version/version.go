// Package version exposes build information stamped via ldflags.
package version

import "fmt"

var (
	// Release is the release version (e.g., "v1.0.0-abc1234").
	Release = "dev"
	// GitCommit is the short git commit hash.
	GitCommit = "unknown"
)

// Full returns the identifier reported in logs and the version command.
func Full() string {
	return fmt.Sprintf("token-processor/%s (%s)", Release, GitCommit)
}
