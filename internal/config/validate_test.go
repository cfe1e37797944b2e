package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Platforms: []PlatformConfig{{Name: "linux", Primary: true}, {Name: "macos"}},
		Tests: []TestConfig{{
			Name:           "unit",
			Run:            "cargo test",
			TimeoutMinutes: 30,
			MaxAttempts:    map[string]int{"linux": 2, "macos": 1},
		}},
		Build:  BuildConfig{TimeoutMinutes: DefaultBuildTimeout, MaxAttempts: 1},
		Cache:  CacheConfig{Dir: "/var/cache/shipyard", Backend: "local"},
		Forge:  ForgeConfig{Owner: "holochain", Repo: "holochain"},
		Notify: NotifyConfig{WebhookURL: "https://chat.example.com", ChannelID: "1"},
		Release: ReleaseConfig{
			PrepareCommand: "./prepare.sh",
			TagFormat:      DefaultTagFormat,
			PrimaryBranch:  "main",
			ReleaseBranch:  "release",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	warnings, err := Validate(validConfig())
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"single platform", func(c *Config) { c.Platforms = c.Platforms[:1] }, "platforms"},
		{"no primary", func(c *Config) { c.Platforms[0].Primary = false }, "platforms"},
		{"two primaries", func(c *Config) { c.Platforms[1].Primary = true }, "platforms"},
		{"duplicate platform", func(c *Config) { c.Platforms[1].Name = "linux" }, "platforms[1].name"},
		{"no tests", func(c *Config) { c.Tests = nil }, "tests"},
		{"duplicate test", func(c *Config) { c.Tests = append(c.Tests, c.Tests[0]) }, "tests[1].name"},
		{"reserved test name", func(c *Config) { c.Tests[0].Name = "prepare" }, "tests[0].name"},
		{"empty run", func(c *Config) { c.Tests[0].Run = "  " }, "tests[0].run"},
		{"zero timeout", func(c *Config) { c.Tests[0].TimeoutMinutes = 0 }, "tests[0].timeout_minutes"},
		{"saves cache without paths", func(c *Config) { c.Tests[0].SavesCache = true }, "tests[0].cache_paths"},
		{"missing attempt budget", func(c *Config) { delete(c.Tests[0].MaxAttempts, "macos") }, "tests[0].max_attempts.macos"},
		{"unknown attempt platform", func(c *Config) { c.Tests[0].MaxAttempts["windows"] = 1 }, "tests[0].max_attempts.windows"},
		{"zero build timeout", func(c *Config) { c.Build.TimeoutMinutes = 0 }, "build.timeout_minutes"},
		{"zero build attempts", func(c *Config) { c.Build.MaxAttempts = 0 }, "build.max_attempts"},
		{"empty exclusion", func(c *Config) { c.Exclusions = []ExclusionConfig{{}} }, "exclusions[0]"},
		{"exclusion unknown platform", func(c *Config) { c.Exclusions = []ExclusionConfig{{Platform: "windows"}} }, "exclusions[0].platform"},
		{"exclusion unknown test", func(c *Config) { c.Exclusions = []ExclusionConfig{{Test: "fuzz"}} }, "exclusions[0].test"},
		{"exclusion unknown trigger", func(c *Config) { c.Exclusions = []ExclusionConfig{{Trigger: "push"}} }, "exclusions[0].trigger"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "gcs" }, "cache.backend"},
		{"s3 without endpoint", func(c *Config) { c.Cache.Backend = "s3" }, "cache.s3.endpoint"},
		{"s3 endpoint with scheme", func(c *Config) {
			c.Cache.Backend = "s3"
			c.Cache.S3 = S3Config{Endpoint: "https://minio:9000", Bucket: "cache"}
		}, "cache.s3.endpoint"},
		{"s3 without bucket", func(c *Config) {
			c.Cache.Backend = "s3"
			c.Cache.S3 = S3Config{Endpoint: "minio:9000"}
		}, "cache.s3.bucket"},
		{"no prepare command", func(c *Config) { c.Release.PrepareCommand = "" }, "release.prepare_command"},
		{"tag format", func(c *Config) { c.Release.TagFormat = "latest" }, "release.tag_format"},
		{"same branches", func(c *Config) { c.Release.ReleaseBranch = "main" }, "release.release_branch"},
		{"webhook without channel", func(c *Config) { c.Notify.ChannelID = "" }, "notify.channel_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			_, err := Validate(cfg)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field, verr.Message)
		})
	}
}

func TestValidate_AttemptBudgetNotNeededWhenAlwaysExcluded(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Tests[0].MaxAttempts, "macos")
	cfg.Exclusions = []ExclusionConfig{{Platform: "macos", Test: "unit"}}

	_, err := Validate(cfg)
	assert.NoError(t, err)
}

func TestValidate_AttemptBudgetNeededWhenExcludedForSomeTriggers(t *testing.T) {
	cfg := validConfig()
	delete(cfg.Tests[0].MaxAttempts, "macos")
	cfg.Exclusions = []ExclusionConfig{{Platform: "macos", Trigger: "pull_request"}}

	_, err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidate_Warnings(t *testing.T) {
	cfg := validConfig()
	cfg.Forge = ForgeConfig{}
	cfg.Notify = NotifyConfig{}
	cfg.Debug.Maintainers = []string{"octocat"}

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	assert.Len(t, warnings, 3)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "release.tag_format", Message: "must contain {version} exactly once"}
	assert.Equal(t, "release.tag_format: must contain {version} exactly once", err.Error())
}
