package cli

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/release"
	"github.com/AndreyAkinshin/shipyard/internal/resolver"
)

// triggerFlags are the inputs of a run: the event that started it and the
// optional overrides.
type triggerFlags struct {
	kind       string
	branch     string
	actor      string
	runID      string
	runAttempt int
	commitSHA  string

	repoPath  string
	envScript string

	overrides resolver.Overrides
}

// boolOverrideFlags are string flags that read "true" when given bare.
var boolOverrideFlags = []string{"dry-run", "debug", "skip-test", "force-cancel-in-progress"}

func (f *triggerFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.kind, "trigger", "", "trigger kind ("+strings.Join(model.ValidTriggerKinds(), "|")+")")
	fs.StringVar(&f.branch, "branch", "", "branch the trigger fired on (default: the checked-out branch)")
	fs.StringVar(&f.actor, "actor", "", "account that caused the trigger")
	fs.StringVar(&f.runID, "run-id", "", "external run ID (default: a generated UUID)")
	fs.IntVar(&f.runAttempt, "run-attempt", 1, "attempt number of the external run")
	fs.StringVar(&f.commitSHA, "commit-sha", "", "commit the run builds, used for commit statuses")
	fs.StringVar(&f.repoPath, "repo-path", "", "repository checkout (default: "+model.DefaultRepoPath+")")
	fs.StringVar(&f.envScript, "env-script", "", "release environment script (default: "+model.DefaultReleaseEnvScript+")")

	o := &f.overrides
	fs.StringVar(&o.HolochainSourceBranch, "holochain-source-branch", "", "source branch override")
	fs.StringVar(&o.HolochainNixpkgsSourceBranch, "holochain-nixpkgs-source-branch", "", "nixpkgs source branch override")
	fs.StringVar(&o.HolonixSourceBranch, "holonix-source-branch", "", "holonix source branch override")
	fs.StringVar(&o.DryRun, "dry-run", "", "skip irreversible release steps")
	fs.StringVar(&o.Debug, "debug", "", "offer a debug session when the run fails")
	fs.StringVar(&o.SkipTest, "skip-test", "", "skip the run step of every test cell")
	fs.StringVar(&o.ForceCancelInProgress, "force-cancel-in-progress", "", "supersede in-progress runs for the same branch")
	for _, name := range boolOverrideFlags {
		fs.Lookup(name).NoOptDefVal = "true"
	}

	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.RegisterFlagCompletionFunc("trigger", fixedCompletion(model.ValidTriggerKinds()...))
}

// trigger builds the Trigger, filling the branch from the checkout at dir
// when it was not given.
func (f *triggerFlags) trigger(ctx context.Context, dir string) (model.Trigger, error) {
	kind, ok := model.ParseTriggerKind(f.kind)
	if !ok {
		return model.Trigger{}, shipyarderrors.Configf("invalid trigger %q (want one of %s)", f.kind, strings.Join(model.ValidTriggerKinds(), ", "))
	}
	if f.runAttempt < 1 {
		return model.Trigger{}, shipyarderrors.Configf("--run-attempt must be at least 1, got %d", f.runAttempt)
	}

	branch := f.branch
	if branch == "" {
		current, err := release.NewRemote(dir, "").CurrentBranch(ctx)
		if err != nil || current == "" || current == "HEAD" {
			return model.Trigger{}, shipyarderrors.Config("--branch is required outside a branch checkout")
		}
		branch = current
	}

	runID := f.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	return model.Trigger{
		Kind:       kind,
		Branch:     branch,
		Actor:      f.actor,
		RunID:      runID,
		RunAttempt: f.runAttempt,
		CommitSHA:  f.commitSHA,
	}, nil
}

// runContext resolves the run variables and applies the path flags.
func (f *triggerFlags) runContext(ctx context.Context, dir string) (model.RunContext, error) {
	trigger, err := f.trigger(ctx, dir)
	if err != nil {
		return model.RunContext{}, err
	}
	rc := resolver.Resolve(trigger, f.overrides)
	if f.repoPath != "" {
		rc.RepoPath = f.repoPath
	}
	if f.envScript != "" {
		rc.ReleaseEnvScript = f.envScript
	}
	return rc, nil
}

// changedOverrides lists the override flags set on the command line.
func changedOverrides(fs *pflag.FlagSet) []string {
	var names []string
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "holochain-source-branch", "holochain-nixpkgs-source-branch", "holonix-source-branch",
			"dry-run", "debug", "skip-test", "force-cancel-in-progress":
			names = append(names, fl.Name)
		}
	})
	return names
}
