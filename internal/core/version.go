package core

import (
	"runtime/debug"
	"strings"
)

// Version is the build tag reported by /health and `tether version`
var Version string

func init() {
	info, _ := debug.ReadBuildInfo()
	Version = resolveVersion(info)
}

// resolveVersion prefers a tagged module version, then the VCS revision
// ("devel-<sha7>[-dirty]"), then plain "devel".
func resolveVersion(info *debug.BuildInfo) string {
	if info == nil {
		return "devel"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	revision := settings["vcs.revision"]
	if revision == "" {
		return "devel"
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	version := "devel-" + revision
	if settings["vcs.modified"] == "true" {
		version += "-dirty"
	}
	return version
}

// FormatVersion strips the "v" prefix of tagged releases
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isPseudoVersion reports whether v ends in a 12-char commit hash,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	v, _, _ = strings.Cut(v, "+")
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	return strings.IndexFunc(hash, func(c rune) bool {
		return !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f')
	}) < 0
}
