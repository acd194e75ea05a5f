package version

import (
	"fmt"
	"strings"
)

const (
	// Unknown is used when build metadata is not provided.
	Unknown = "unknown"
	// DevelopmentVersion is the default version in local builds.
	DevelopmentVersion = "dev"
)

var (
	// AppVersion is intended to be overridden at build time:
	// go build -ldflags="-X github.com/nimburion/workqueue/pkg/version.AppVersion=v1.2.3"
	AppVersion = DevelopmentVersion

	// GitCommit is intended to be overridden at build time.
	GitCommit = Unknown

	// BuildTime is intended to be overridden at build time (RFC3339 recommended).
	BuildTime = Unknown
)

// Info contains version metadata for an application.
type Info struct {
	Service   string `json:"service" yaml:"service"`
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildTime string `json:"build_time" yaml:"build_time"`
	// QueueTag is the tag this build stamps on items under strict version filtering.
	QueueTag string `json:"queue_tag" yaml:"queue_tag"`
}

// Current returns the current build version metadata.
func Current(serviceName string) Info {
	v := normalizeOrDefault(AppVersion, DevelopmentVersion)
	return Info{
		Service:   normalizeOrDefault(serviceName, Unknown),
		Version:   v,
		Commit:    normalizeOrDefault(GitCommit, Unknown),
		BuildTime: normalizeOrDefault(BuildTime, Unknown),
		QueueTag:  Tag(v),
	}
}

// QueueVersion returns the item version tag of the process: configured when set, the build
// version otherwise.
func QueueVersion(configured string) string {
	if tag := Tag(configured); tag != "" {
		return tag
	}
	return Tag(normalizeOrDefault(AppVersion, DevelopmentVersion))
}

// String returns a log-friendly representation.
func (i Info) String() string {
	return fmt.Sprintf("%s@%s (commit=%s, build_time=%s)", i.Service, i.Version, i.Commit, i.BuildTime)
}

func normalizeOrDefault(v, fallback string) string {
	norm := strings.TrimSpace(v)
	if norm == "" {
		return fallback
	}
	return norm
}
