// Package shipyard provides public constants for tools that drive the
// shipyard CLI, such as CI wrappers that branch on its exit status.
package shipyard

// Exit codes returned by the shipyard CLI.
const (
	// ExitSuccess means the run finished with verdict success or
	// "no changes to release".
	ExitSuccess = 0

	// ExitFailure means the run failed: a blocking test cell, a finalize
	// step, a failed prepare or a canceled run.
	ExitFailure = 1

	// ExitConfigError means the pipeline file or a flag is invalid.
	ExitConfigError = 2

	// ExitEnvError means the environment is unusable (state database or
	// cache backend unreachable).
	ExitEnvError = 3
)

// Verdicts reported by a finished run, as recorded in the run history and
// sent in notifications.
const (
	VerdictSuccess   = "success"
	VerdictNoChanges = "no changes to release"
	VerdictFailure   = "failure"
)
