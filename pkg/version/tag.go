package version

import (
	"regexp"
	"strings"
)

var semVerPattern = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

// Tag canonicalizes a version into the tag compared by strict version filtering.
//
// Semantic versions lose the "v" prefix and their build metadata, so "v1.4.0+abc" and "1.4.0"
// produce the same tag. Anything else is only trimmed.
func Tag(raw string) string {
	raw = strings.TrimSpace(raw)
	matches := semVerPattern.FindStringSubmatch(raw)
	if len(matches) != 6 {
		return raw
	}
	tag := matches[1] + "." + matches[2] + "." + matches[3]
	if matches[4] != "" {
		tag += "-" + matches[4]
	}
	return tag
}

// IsSemVer reports whether raw is a semantic version.
func IsSemVer(raw string) bool {
	return semVerPattern.MatchString(strings.TrimSpace(raw))
}
