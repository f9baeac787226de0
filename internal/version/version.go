// Package version exposes the build identity stamped at link time:
//
//	go build -ldflags "\
//	  -X github.com/dotclaw/dotclaw/internal/version.Version=v1.2.0 \
//	  -X github.com/dotclaw/dotclaw/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotclaw/dotclaw/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	// Version is the semantic release version.
	Version = "dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "none"

	// Date is the UTC build timestamp.
	Date = "unknown"
)

// String renders the full build identity for the version command and the
// trace resource.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
