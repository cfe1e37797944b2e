// Package model provides shared data types used across multiple internal packages.
// This package exists to break import cycles between the resolver, stage runner,
// matrix scheduler, pipeline and notifier, which all pass these values around.
package model

import (
	"fmt"
	"sort"
	"strconv"
)

// Fixed paths shared by every step of a run.
const (
	DefaultRepoPath         = "/var/tmp/holochain_repo"
	DefaultReleaseEnvScript = "/var/tmp/holochain_release.sh"
)

// TriggerKind is the event class that starts a pipeline run.
type TriggerKind string

const (
	// TriggerSchedule is a cron-scheduled run.
	TriggerSchedule TriggerKind = "schedule"
	// TriggerDispatch is a manual dispatch.
	TriggerDispatch TriggerKind = "workflow_dispatch"
	// TriggerPullRequest is a peer-review proposal.
	TriggerPullRequest TriggerKind = "pull_request"
)

// ParseTriggerKind converts a string to a TriggerKind.
func ParseTriggerKind(s string) (TriggerKind, bool) {
	switch TriggerKind(s) {
	case TriggerSchedule, TriggerDispatch, TriggerPullRequest:
		return TriggerKind(s), true
	}
	return "", false
}

// ValidTriggerKinds returns the accepted trigger names.
func ValidTriggerKinds() []string {
	return []string{string(TriggerSchedule), string(TriggerDispatch), string(TriggerPullRequest)}
}

// ReleaseIntent reports whether irreversible release actions may be attempted
// at all for this trigger. Peer-review proposals never release.
func (k TriggerKind) ReleaseIntent() bool {
	return k == TriggerSchedule || k == TriggerDispatch
}

// Trigger describes the event that started a run.
type Trigger struct {
	Kind       TriggerKind
	Branch     string // Branch the event fired on
	Actor      string // Account that caused the event
	RunID      string
	RunAttempt int
	CommitSHA  string
}

// RunContext is the immutable snapshot of resolved run variables. It is created
// once per run by the resolver and only read afterwards.
type RunContext struct {
	HolochainSourceBranch        string
	HolochainNixpkgsSourceBranch string
	HolonixSourceBranch          string

	DryRun                bool
	Debug                 bool
	SkipTest              bool
	ForceCancelInProgress bool

	RepoPath         string
	ReleaseEnvScript string

	Trigger Trigger
}

// ReleaseIntent reports whether this run may attempt a release.
func (rc RunContext) ReleaseIntent() bool {
	return rc.Trigger.Kind.ReleaseIntent()
}

// ConcurrencyKey groups runs that supersede each other.
func (rc RunContext) ConcurrencyKey() string {
	return fmt.Sprintf("release-%s", rc.HolochainSourceBranch)
}

// Env returns the context as environment variables for external commands.
func (rc RunContext) Env() map[string]string {
	return map[string]string{
		"HOLOCHAIN_SOURCE_BRANCH":           rc.HolochainSourceBranch,
		"HOLOCHAIN_NIXPKGS_SOURCE_BRANCH":   rc.HolochainNixpkgsSourceBranch,
		"HOLONIX_SOURCE_BRANCH":             rc.HolonixSourceBranch,
		"HOLOCHAIN_REPO":                    rc.RepoPath,
		"HOLOCHAIN_RELEASE_SH":              rc.ReleaseEnvScript,
		"SHIPYARD_DRY_RUN":                  strconv.FormatBool(rc.DryRun),
		"SHIPYARD_DEBUG":                    strconv.FormatBool(rc.Debug),
		"SHIPYARD_SKIP_TEST":                strconv.FormatBool(rc.SkipTest),
		"SHIPYARD_FORCE_CANCEL_IN_PROGRESS": strconv.FormatBool(rc.ForceCancelInProgress),
		"SHIPYARD_TRIGGER":                  string(rc.Trigger.Kind),
		"SHIPYARD_ACTOR":                    rc.Trigger.Actor,
		"SHIPYARD_RUN_ID":                   rc.Trigger.RunID,
		"SHIPYARD_RUN_ATTEMPT":              strconv.Itoa(rc.Trigger.RunAttempt),
	}
}

// EnvKeys returns the keys of Env in sorted order.
func (rc RunContext) EnvKeys() []string {
	env := rc.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
