// Package version provides build-time version information.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// version is set at build time via -ldflags "-X foreman/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the current version.
func String() string {
	return version
}

// Info returns the version followed by the VCS revision and Go toolchain the
// binary was built with, when the build recorded them.
func Info() string {
	parts := []string{"foreman " + version}
	bi, ok := readBuildInfo()
	if !ok {
		return parts[0]
	}
	var rev, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if modified == "true" {
			rev += "-dirty"
		}
		parts = append(parts, "commit "+rev)
	}
	if bi.GoVersion != "" {
		parts = append(parts, fmt.Sprintf("(%s)", bi.GoVersion))
	}
	return strings.Join(parts, " ")
}
