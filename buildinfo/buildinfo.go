// Package buildinfo holds version information set at link time with -ldflags -X.
package buildinfo

import "fmt"

var (
	// GitCommit is the git sha of the build.
	GitCommit = "unknown"
	// GitBranch is the git branch of the build.
	GitBranch = "unknown"
	// GitState shows whether the git tree was clean or dirty.
	GitState = "unknown"
	// GitSummary is the output of git describe --tags --dirty --always.
	GitSummary = "unknown"
	// BuildDate is the date of the build.
	BuildDate = "unknown"
	// Version is the tag of the build.
	Version = "dev"
)

// Summary returns a one-line description of the build.
func Summary() string {
	return fmt.Sprintf("sealbid %s (%s, %s %s) built %s", Version, GitSummary, GitBranch, GitCommit, BuildDate)
}
