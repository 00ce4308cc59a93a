// Package version reports build information for the taskflow binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via ldflags, e.g.
// go build -ldflags="-X github.com/andywolf/taskflow/internal/version.Version=v0.3.0"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Details is the structured form printed by `taskflow version --json`.
type Details struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build details. When ldflags did not set a commit, the VCS
// revision recorded by the Go toolchain is used instead.
func Get() Details {
	d := Details{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if d.Commit != "unknown" {
		return d
	}
	info, ok := readBuildInfo()
	if !ok {
		return d
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			d.Commit = s.Value
		case "vcs.time":
			if d.BuildDate == "unknown" {
				d.BuildDate = s.Value
			}
		}
	}
	return d
}

// Short returns the bare version.
func Short() string {
	return Version
}

// Info returns a one-line summary with the commit shortened to 7 characters.
func Info() string {
	d := Get()
	commit := d.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("taskflow %s (commit: %s, built: %s, %s)", d.Version, commit, d.BuildDate, d.GoVersion)
}

// Full returns a multi-line report.
func Full() string {
	d := Get()
	return fmt.Sprintf("taskflow %s\n  Commit:     %s\n  Built:      %s\n  Go version: %s\n  Platform:   %s",
		d.Version, d.Commit, d.BuildDate, d.GoVersion, d.Platform)
}
