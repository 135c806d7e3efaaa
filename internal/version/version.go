// Package version renders the build version line printed by --version.
package version

import (
	"runtime/debug"
	"strings"
)

func unset(v string, placeholders ...string) bool {
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return v == ""
}

// String formats the version banner from -ldflags values, falling back to Go
// module build info when they are unset or default placeholders.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		if unset(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		settings := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
		if unset(c, "unknown") {
			c = settings["vcs.revision"]
		}
		if unset(d, "unknown") {
			d = settings["vcs.time"]
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if !unset(c, "unknown") {
		out += " (" + c + ")"
	}
	if !unset(d, "unknown") {
		out += " " + d
	}
	return out
}
