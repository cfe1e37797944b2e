// Package resolver computes the effective run variables from the trigger and
// optional overrides.
package resolver

import (
	"strconv"
	"strings"

	"github.com/AndreyAkinshin/shipyard/internal/model"
)

// Default source branches for the collaborating repositories.
const (
	DefaultNixpkgsSourceBranch = "develop"
	DefaultHolonixSourceBranch = "main"
)

// Overrides are the raw trigger inputs. An empty string means "not set" and
// selects the computed default.
type Overrides struct {
	HolochainSourceBranch        string
	HolochainNixpkgsSourceBranch string
	HolonixSourceBranch          string
	DryRun                       string
	Debug                        string
	SkipTest                     string
	ForceCancelInProgress        string
}

// Resolve computes the RunContext for a trigger. It is a pure, total function:
// identical inputs always yield an identical context and it never fails.
// Every field is defaulted independently and a non-empty override always wins.
func Resolve(trigger model.Trigger, overrides Overrides) model.RunContext {
	return model.RunContext{
		HolochainSourceBranch:        stringOr(overrides.HolochainSourceBranch, trigger.Branch),
		HolochainNixpkgsSourceBranch: stringOr(overrides.HolochainNixpkgsSourceBranch, DefaultNixpkgsSourceBranch),
		HolonixSourceBranch:          stringOr(overrides.HolonixSourceBranch, DefaultHolonixSourceBranch),

		DryRun:                boolOr(overrides.DryRun, trigger.Kind != model.TriggerSchedule),
		Debug:                 boolOr(overrides.Debug, defaultDebug(trigger.Kind)),
		SkipTest:              boolOr(overrides.SkipTest, false),
		ForceCancelInProgress: boolOr(overrides.ForceCancelInProgress, false),

		RepoPath:         model.DefaultRepoPath,
		ReleaseEnvScript: model.DefaultReleaseEnvScript,

		Trigger: trigger,
	}
}

// defaultDebug is off for unattended and externally observed runs.
func defaultDebug(kind model.TriggerKind) bool {
	switch kind {
	case model.TriggerSchedule, model.TriggerPullRequest:
		return false
	default:
		return true
	}
}

func stringOr(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// boolOr parses a bool-as-string override. Values strconv.ParseBool rejects
// fall back to "yes"/"on" meaning true and anything else false, so an
// unparseable override is still an override.
func boolOr(override string, fallback bool) bool {
	if override == "" {
		return fallback
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(override)); err == nil {
		return v
	}
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "yes", "on", "y":
		return true
	}
	return false
}
