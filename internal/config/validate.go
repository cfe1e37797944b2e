package config

import (
	"fmt"
	"strings"

	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a configuration for errors and returns warnings for non-fatal issues.
func Validate(cfg *Config) (warnings []string, err error) {
	if err := validatePlatforms(cfg); err != nil {
		return nil, err
	}
	if err := validateTests(cfg); err != nil {
		return nil, err
	}
	if err := validateExclusions(cfg); err != nil {
		return nil, err
	}
	if err := validateBuild(cfg); err != nil {
		return nil, err
	}
	if err := validateAttemptBudgets(cfg); err != nil {
		return nil, err
	}
	if err := validateCache(cfg); err != nil {
		return nil, err
	}
	if err := validateRelease(cfg); err != nil {
		return nil, err
	}
	if cfg.Notify.WebhookURL != "" && cfg.Notify.ChannelID == "" {
		return nil, &ValidationError{Field: "notify.channel_id", Message: "is required when notify.webhook_url is set"}
	}

	if cfg.Forge.Owner == "" || cfg.Forge.Repo == "" {
		warnings = append(warnings, "forge.owner and forge.repo are not set; pull request and release steps will fail")
	}
	if cfg.Notify.WebhookURL == "" {
		warnings = append(warnings, "notify.webhook_url is not set; chat notifications are disabled")
	}
	if cfg.Debug.Command == "" && len(cfg.Debug.Maintainers) > 0 {
		warnings = append(warnings, "debug.maintainers is set but debug.command is empty; the debug hook is disabled")
	}
	return warnings, nil
}

func validatePlatforms(cfg *Config) error {
	if len(cfg.Platforms) < 2 {
		return &ValidationError{Field: "platforms", Message: fmt.Sprintf("at least two platforms are required, found %d", len(cfg.Platforms))}
	}
	seen := make(map[string]bool)
	primaries := 0
	for i, p := range cfg.Platforms {
		if p.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("platforms[%d].name", i), Message: "is required"}
		}
		if seen[p.Name] {
			return &ValidationError{Field: fmt.Sprintf("platforms[%d].name", i), Message: fmt.Sprintf("duplicate platform %q", p.Name)}
		}
		seen[p.Name] = true
		if p.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return &ValidationError{Field: "platforms", Message: fmt.Sprintf("exactly one platform must be primary, found %d", primaries)}
	}
	return nil
}

func validateTests(cfg *Config) error {
	if len(cfg.Tests) == 0 {
		return &ValidationError{Field: "tests", Message: "at least one test command is required"}
	}
	seen := make(map[string]bool)
	for i, t := range cfg.Tests {
		field := fmt.Sprintf("tests[%d]", i)
		if t.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "is required"}
		}
		if seen[t.Name] {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate test %q", t.Name)}
		}
		if t.Name == model.PrepareCommandName {
			return &ValidationError{Field: field + ".name", Message: fmt.Sprintf("%q is reserved for the build section", t.Name)}
		}
		seen[t.Name] = true
		if strings.TrimSpace(t.Run) == "" {
			return &ValidationError{Field: field + ".run", Message: "is required"}
		}
		if t.TimeoutMinutes <= 0 {
			return &ValidationError{Field: field + ".timeout_minutes", Message: "must be greater than zero"}
		}
		if t.SavesCache && len(t.CachePaths) == 0 {
			return &ValidationError{Field: field + ".cache_paths", Message: "is required when saves_cache is true"}
		}
	}
	return nil
}

func validateBuild(cfg *Config) error {
	if cfg.Build.TimeoutMinutes <= 0 {
		return &ValidationError{Field: "build.timeout_minutes", Message: "must be greater than zero"}
	}
	if cfg.Build.MaxAttempts <= 0 {
		return &ValidationError{Field: "build.max_attempts", Message: "must be greater than zero"}
	}
	return nil
}

func validateExclusions(cfg *Config) error {
	platforms := cfg.platformSet()
	tests := cfg.testSet()
	for i, e := range cfg.Exclusions {
		field := fmt.Sprintf("exclusions[%d]", i)
		if e.Platform == "" && e.Test == "" && e.Trigger == "" {
			return &ValidationError{Field: field, Message: "must set at least one of platform, test, trigger"}
		}
		if e.Platform != "" && !platforms[e.Platform] {
			return &ValidationError{Field: field + ".platform", Message: fmt.Sprintf("unknown platform %q", e.Platform)}
		}
		if e.Test != "" && !tests[e.Test] {
			return &ValidationError{Field: field + ".test", Message: fmt.Sprintf("unknown test %q", e.Test)}
		}
		if e.Trigger != "" {
			if _, ok := model.ParseTriggerKind(e.Trigger); !ok {
				return &ValidationError{
					Field:   field + ".trigger",
					Message: fmt.Sprintf("unknown trigger %q (valid: %s)", e.Trigger, strings.Join(model.ValidTriggerKinds(), ", ")),
				}
			}
		}
	}
	return nil
}

// validateAttemptBudgets enforces that every test defines max_attempts for
// each platform it can run on under some trigger.
func validateAttemptBudgets(cfg *Config) error {
	platforms := cfg.platformSet()
	exclude := cfg.Excluder()
	for i, t := range cfg.Tests {
		for name := range t.MaxAttempts {
			if !platforms[name] {
				return &ValidationError{
					Field:   fmt.Sprintf("tests[%d].max_attempts.%s", i, name),
					Message: "unknown platform",
				}
			}
		}
		cmd := model.TestCommand{Name: t.Name}
		for _, p := range cfg.Platforms {
			if alwaysExcluded(exclude, model.Platform{Name: p.Name, Primary: p.Primary}, cmd) {
				continue
			}
			if n, ok := t.MaxAttempts[p.Name]; !ok || n < 1 {
				return &ValidationError{
					Field:   fmt.Sprintf("tests[%d].max_attempts.%s", i, p.Name),
					Message: "must be defined and at least 1 for every platform the test runs on",
				}
			}
		}
	}
	return nil
}

func alwaysExcluded(exclude model.ExcludeFunc, p model.Platform, cmd model.TestCommand) bool {
	for _, kind := range model.ValidTriggerKinds() {
		if !exclude(p, cmd, model.TriggerKind(kind)) {
			return false
		}
	}
	return true
}

func validateCache(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "local":
		if cfg.Cache.Dir == "" {
			return &ValidationError{Field: "cache.dir", Message: "is required"}
		}
	case "s3":
		s3 := cfg.Cache.S3
		if s3.Endpoint == "" {
			return &ValidationError{Field: "cache.s3.endpoint", Message: "is required for the s3 backend"}
		}
		if strings.Contains(s3.Endpoint, "://") {
			return &ValidationError{Field: "cache.s3.endpoint", Message: "must be host[:port] without a scheme"}
		}
		if s3.Bucket == "" {
			return &ValidationError{Field: "cache.s3.bucket", Message: "is required for the s3 backend"}
		}
	default:
		return &ValidationError{Field: "cache.backend", Message: `must be "local" or "s3"`}
	}
	return nil
}

func validateRelease(cfg *Config) error {
	r := cfg.Release
	if strings.TrimSpace(r.PrepareCommand) == "" {
		return &ValidationError{Field: "release.prepare_command", Message: "is required"}
	}
	if strings.Count(r.TagFormat, "{version}") != 1 {
		return &ValidationError{Field: "release.tag_format", Message: "must contain {version} exactly once"}
	}
	if r.PrimaryBranch == "" || r.ReleaseBranch == "" {
		return &ValidationError{Field: "release", Message: "primary_branch and release_branch are required"}
	}
	if r.PrimaryBranch == r.ReleaseBranch {
		return &ValidationError{Field: "release.release_branch", Message: "must differ from primary_branch"}
	}
	return nil
}

func (c *Config) platformSet() map[string]bool {
	set := make(map[string]bool, len(c.Platforms))
	for _, p := range c.Platforms {
		set[p.Name] = true
	}
	return set
}

func (c *Config) testSet() map[string]bool {
	set := make(map[string]bool, len(c.Tests))
	for _, t := range c.Tests {
		set[t.Name] = true
	}
	return set
}
