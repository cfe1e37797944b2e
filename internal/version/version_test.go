package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Release
	}{
		{"0.3.1", Release{Core: "0.3.1"}},
		{"v0.3.1", Release{Core: "0.3.1"}},
		{" 1.2.3\n", Release{Core: "1.2.3"}},
		{"0.4.0-beta-rc.2", Release{Core: "0.4.0", Prerelease: "beta-rc.2"}},
		{"1.0.0+build.7", Release{Core: "1.0.0", Build: "build.7"}},
		{"1.0.0-dev.1+sha.abc", Release{Core: "1.0.0", Prerelease: "dev.1", Build: "sha.abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	for _, v := range []string{"", "1", "1.2", "1.2.3.4", "vv1.2.3", "1.2.3-", "1.2.3+", "1.2.3-@", "a.b.c", "holochain-0.3.1"} {
		t.Run(v, func(t *testing.T) {
			assert.Error(t, Validate(v))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "0.3.1", Normalize("v0.3.1"))
	assert.Equal(t, "v0.3.1", Normalize("vv0.3.1"))
	assert.Equal(t, "0.3.1", Normalize("  0.3.1 "))
}

func TestIsPrerelease(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"0.3.1", false},
		{"0.3.1+build", false},
		{"0.4.0-beta-rc.2", true},
		{"v1.0.0-dev.0", true},
		{"not-a-version", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPrerelease(tt.version), tt.version)
	}
}
