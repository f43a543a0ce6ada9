// Package version reports the switchyard release and build metadata.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Build describes the binary.
type Build struct {
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
	Platform  string
}

// Info collects build metadata. Revision is empty for binaries built
// outside a VCS checkout.
func Info() Build {
	b := Build{
		Version:   Get(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				b.Revision = s.Value
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	return b
}

// String renders the build as "0.1.0 (abc1234, go1.24.0 linux/amd64)".
func (b Build) String() string {
	var parts []string
	if b.Revision != "" {
		rev := b.Revision
		if len(rev) > 7 {
			rev = rev[:7]
		}
		if b.Modified {
			rev += "-dirty"
		}
		parts = append(parts, rev)
	}
	parts = append(parts, b.GoVersion+" "+b.Platform)
	return fmt.Sprintf("%s (%s)", b.Version, strings.Join(parts, ", "))
}
