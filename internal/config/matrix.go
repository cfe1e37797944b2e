package config

import (
	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// ModelPlatforms converts the platform declarations.
func (c *Config) ModelPlatforms() []model.Platform {
	out := make([]model.Platform, len(c.Platforms))
	for i, p := range c.Platforms {
		out[i] = model.Platform{Name: p.Name, Primary: p.Primary}
	}
	return out
}

// ModelCommands converts the test declarations.
func (c *Config) ModelCommands() []model.TestCommand {
	out := make([]model.TestCommand, len(c.Tests))
	for i, t := range c.Tests {
		attempts := make(map[string]int, len(t.MaxAttempts))
		for k, v := range t.MaxAttempts {
			attempts[k] = v
		}
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		out[i] = model.TestCommand{
			Name:                           t.Name,
			RestoresCache:                  t.RestoresCache,
			SavesCache:                     t.SavesCache,
			IgnoreErrorOnSecondaryPlatform: t.IgnoreErrorOnSecondaryPlatform,
			TimeoutMinutes:                 t.TimeoutMinutes,
			MaxAttempts:                    attempts,
			Run:                            t.Run,
			CachePaths:                     append([]string(nil), t.CachePaths...),
			Env:                            env,
		}
	}
	return out
}

// ModelPrepare converts the build section into the prepare command run on
// every platform before the test cells.
func (c *Config) ModelPrepare() model.TestCommand {
	attempts := make(map[string]int, len(c.Platforms))
	for _, p := range c.Platforms {
		attempts[p.Name] = c.Build.MaxAttempts
	}
	env := make(map[string]string, len(c.Build.Env))
	for k, v := range c.Build.Env {
		env[k] = v
	}
	return model.TestCommand{
		Name:           model.PrepareCommandName,
		Prepare:        true,
		RestoresCache:  true,
		SavesCache:     true,
		TimeoutMinutes: c.Build.TimeoutMinutes,
		MaxAttempts:    attempts,
		Run:            c.Build.Run,
		CachePaths:     append([]string(nil), c.Build.CachePaths...),
		Env:            env,
	}
}

// Excluder builds the typed exclusion predicate from the exclusion entries.
// A cell is excluded when any entry matches it; empty entry fields match
// anything.
func (c *Config) Excluder() model.ExcludeFunc {
	rules := append([]ExclusionConfig(nil), c.Exclusions...)
	return func(p model.Platform, cmd model.TestCommand, trigger model.TriggerKind) bool {
		for _, r := range rules {
			if r.Platform != "" && r.Platform != p.Name {
				continue
			}
			if r.Test != "" && r.Test != cmd.Name {
				continue
			}
			if r.Trigger != "" && r.Trigger != string(trigger) {
				continue
			}
			return true
		}
		return false
	}
}
