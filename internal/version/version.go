// Package version carries build metadata, overridden at link time:
//
//	go build -ldflags "-X github.com/proofscan/proofscan/internal/version.Version=v0.2.0"
package version

var (
	// Version is the release version.
	Version = "0.1.0-dev"
	// Commit is the source revision.
	Commit = "unknown"
)
