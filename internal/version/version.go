// Package version reports build metadata for the tutorchat binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Stamped with -ldflags "-X github.com/soyeahso/tutorchat/internal/version.Version=1.0.0".
// Commit falls back to the VCS revision embedded by the go tool.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Build is the resolved build metadata.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Current resolves build metadata, consulting the embedded build info
// for values that were not stamped.
func Current() Build {
	return resolve(debug.ReadBuildInfo)
}

func resolve(read func() (*debug.BuildInfo, bool)) Build {
	b := Build{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := read()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "unknown" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "unknown" {
				b.Date = s.Value
			}
		}
	}
	return b
}

// Info returns a one-line description for `tutorchat version`.
func Info() string {
	b := Current()
	return fmt.Sprintf("tutorchat %s (commit: %s, built: %s, %s, %s)",
		b.Version, short(b.Commit), b.Date, b.GoVersion, b.Platform)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "tutorchat/" + Version
}

func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
