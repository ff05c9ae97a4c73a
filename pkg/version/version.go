// Package version reports memnon build information.
package version

import (
	"fmt"
	"runtime"
)

// Version is set with -ldflags "-X github.com/Aman-CERP/memnon/pkg/version.Version=...".
var Version = "dev"

// Build information injected at link time.
var (
	Commit = "unknown"

	// Date is the build time in RFC3339.
	Date = "unknown"

	GoVersion = runtime.Version()
)

// BuildInfo is the JSON form of the build information.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("memnon %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns just the version.
func Short() string {
	return Version
}

// GetInfo returns structured build information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
