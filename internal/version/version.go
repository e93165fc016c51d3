// Package version reports the podstore build identity.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/podstore"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/podstore/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Build describes the running binary.
type Build struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
}

// Read collects the build description from linker flags and embedded build
// info.
func Read() Build {
	info, _ := debug.ReadBuildInfo()
	return fromInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the module path of the main package.
func Module() string { return Read().Module }

func fromInfo(info *debug.BuildInfo, override string) Build {
	b := Build{Module: defaultModule, Version: unknownVersion}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			b.Module = path
		}
		applySettings(&b, info.Settings)
		switch v := strings.TrimSpace(info.Main.Version); {
		case v != "" && v != "(devel)":
			b.Version = v
		case b.Revision != "" && !b.Time.IsZero():
			b.Version = pseudoVersion(b)
		}
	}
	if v := strings.TrimSpace(override); v != "" {
		b.Version = v
	}
	return b
}

func applySettings(b *Build, settings []debug.BuildSetting) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			b.Revision = setting.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				b.Time = t.UTC()
			}
		case "vcs.modified":
			b.Dirty = setting.Value == "true"
		}
	}
}

// pseudoVersion follows the Go module pseudo-version layout.
func pseudoVersion(b Build) string {
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + b.Time.Format("20060102150405") + "-" + rev
	if b.Dirty {
		v += "+dirty"
	}
	return v
}
