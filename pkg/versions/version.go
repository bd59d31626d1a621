// Package versions provides version information for the gateway.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Set at build time via ldflags.
var (
	// Version is the release version.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the UTC build timestamp.
	BuildDate = unknownStr
)

// VersionInfo represents the version information of the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information, normalizing dev builds to a
// build-<shortcommit> pseudo version.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		if Commit != unknownStr && len(Commit) >= 8 {
			version = "build-" + Commit[:8]
		} else {
			version = "build-" + unknownStr
		}
	}

	buildDate := BuildDate
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		buildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
