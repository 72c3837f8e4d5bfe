// Package version exposes the build version of the chaton2api binary.
package version

import (
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags, e.g.
// -X github.com/arkadas/chaton2api/pkg/version.Version=vX.Y.Z
// -X github.com/arkadas/chaton2api/pkg/version.Commit=<sha>
// -X github.com/arkadas/chaton2api/pkg/version.Date=<rfc3339>
// -X github.com/arkadas/chaton2api/pkg/version.Dirty=true
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

// String renders "version+shortcommit+dirty" for the version subcommand.
func String() string {
	v, commit, _, dirty := resolve()
	parts := []string{v}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		parts = append(parts, commit)
	}
	if dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

// BuildDate returns the build timestamp, or "" when unknown.
func BuildDate() string {
	_, _, date, _ := resolve()
	return date
}

// resolve merges ldflags values with embedded VCS info, preferring ldflags.
func resolve() (version, commit, date string, dirty bool) {
	version = strings.TrimSpace(Version)
	if version == "" {
		version = "dev"
	}
	commit = strings.TrimSpace(Commit)
	date = strings.TrimSpace(Date)
	dirty = strings.EqualFold(strings.TrimSpace(Dirty), "true")

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = strings.TrimSpace(s.Value)
				}
			case "vcs.time":
				if date == "" {
					date = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				dirty = dirty || strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
	}
	return version, commit, date, dirty
}
