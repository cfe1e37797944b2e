// Package version validates release versions produced by the prepare step
// and derives release tags from them.
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Release is a version split into the parts a release cares about.
type Release struct {
	Core       string // "0.3.1"
	Prerelease string // "beta-rc.2", empty for a final release
	Build      string
}

// Parse splits a version. A leading "v" is accepted since prepare tooling
// often reports tags rather than versions. Shorthands such as "1.2" are
// rejected: a release always names major, minor and patch.
func Parse(version string) (Release, error) {
	v := "v" + Normalize(version)
	if !semver.IsValid(v) {
		return Release{}, fmt.Errorf("invalid semver format: %q", version)
	}
	build := semver.Build(v)
	pre := semver.Prerelease(v)
	core := strings.TrimSuffix(strings.TrimSuffix(v, build), pre)[1:]
	if strings.Count(core, ".") != 2 {
		return Release{}, fmt.Errorf("invalid semver format: %q", version)
	}
	return Release{
		Core:       core,
		Prerelease: strings.TrimPrefix(pre, "-"),
		Build:      strings.TrimPrefix(build, "+"),
	}, nil
}

// Validate checks that version is a semantic version.
func Validate(version string) error {
	_, err := Parse(version)
	return err
}

// Normalize trims whitespace and a single leading "v".
func Normalize(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}

// IsPrerelease reports whether version carries a prerelease designation.
// Prereleases are published as forge prereleases.
func IsPrerelease(version string) bool {
	r, err := Parse(version)
	return err == nil && r.Prerelease != ""
}
