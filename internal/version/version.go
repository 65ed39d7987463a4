// Package version carries build metadata set with -ldflags, e.g.
//
//	-X github.com/banshee-data/sparsediff/internal/version.GitSHA=$(git rev-parse --short HEAD)
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line build description for the named binary.
func Info(binary string) string {
	return fmt.Sprintf("%s %s (%s, built %s)", binary, Version, GitSHA, BuildTime)
}
