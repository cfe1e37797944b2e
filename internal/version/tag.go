package version

import (
	"fmt"
	"strings"
)

// DefaultTagFormat renders tags such as "v0.3.1".
const DefaultTagFormat = "v{version}"

// FormatTag substitutes version into a tag format. The format must contain
// the {version} placeholder exactly once.
func FormatTag(format, version string) (string, error) {
	if format == "" {
		format = DefaultTagFormat
	}
	if n := strings.Count(format, "{version}"); n != 1 {
		return "", fmt.Errorf("tag format %q must contain {version} exactly once", format)
	}
	if err := Validate(version); err != nil {
		return "", err
	}
	return strings.Replace(format, "{version}", Normalize(version), 1), nil
}

// VersionFromTag extracts the version from a tag rendered with format.
func VersionFromTag(format, tag string) (string, error) {
	if format == "" {
		format = DefaultTagFormat
	}
	prefix, suffix, ok := strings.Cut(format, "{version}")
	if !ok {
		return "", fmt.Errorf("tag format %q has no {version} placeholder", format)
	}
	if !strings.HasPrefix(tag, prefix) || !strings.HasSuffix(tag, suffix) || len(tag) < len(prefix)+len(suffix) {
		return "", fmt.Errorf("tag %q does not match format %q", tag, format)
	}
	v := tag[len(prefix) : len(tag)-len(suffix)]
	if err := Validate(v); err != nil {
		return "", err
	}
	return v, nil
}
