package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AndreyAkinshin/shipyard/internal/config"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/forge"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/output"
	"github.com/AndreyAkinshin/shipyard/internal/version"
)

// Finalize step names, in execution order.
const (
	StepPushPrimary   = "push primary branch"
	StepPushRelease   = "push release branch"
	StepOpenPR        = "open pull request"
	StepMergePR       = "approve and merge pull request"
	StepPublish       = "publish packages"
	StepPushTags      = "push tags"
	StepCreateRelease = "create release"
)

// Steps lists every finalize step in order.
var Steps = []string{
	StepPushPrimary,
	StepPushRelease,
	StepOpenPR,
	StepMergePR,
	StepPublish,
	StepPushTags,
	StepCreateRelease,
}

// Pusher pushes refs to the release remote.
type Pusher interface {
	Push(ctx context.Context, refspec string) error
}

// Forge is the code-hosting API the finalize steps call.
type Forge interface {
	EnsurePullRequest(ctx context.Context, request forge.CreatePullRequestRequest) (*forge.PullRequest, error)
	Approve(ctx context.Context, number int, body string) error
	Merge(ctx context.Context, number int, method string) error
	CreateRelease(ctx context.Context, request forge.CreateReleaseRequest) (*forge.Release, error)
}

// Publisher publishes packages.
type Publisher interface {
	Publish(ctx context.Context, rc model.RunContext, res Result) error
}

// Finalizer performs the ordered finalize steps. Steps with irreversible
// effects are skipped in dry-run mode.
type Finalizer struct {
	cfg       config.ReleaseConfig
	pusher    Pusher
	forge     Forge
	publisher Publisher
	out       *output.Writer
	logger    *slog.Logger
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithFinalizerOutput enables numbered step output.
func WithFinalizerOutput(out *output.Writer) FinalizerOption {
	return func(f *Finalizer) { f.out = out }
}

// WithFinalizerLogger sets the logger.
func WithFinalizerLogger(l *slog.Logger) FinalizerOption {
	return func(f *Finalizer) { f.logger = logging.OrDiscard(l) }
}

// NewFinalizer creates a Finalizer. fg may be nil when no forge is
// configured; the pull request and release steps then fail.
func NewFinalizer(cfg config.ReleaseConfig, pusher Pusher, fg Forge, publisher Publisher, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		cfg:       cfg,
		pusher:    pusher,
		forge:     fg,
		publisher: publisher,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type step struct {
	name         string
	irreversible bool
	run          func(ctx context.Context) error
}

// Finalize runs the steps in order and returns the names of those that
// executed. The first failing step halts the sequence with a finalize error
// naming it.
func (f *Finalizer) Finalize(ctx context.Context, rc model.RunContext, res Result) ([]string, error) {
	var pr *forge.PullRequest
	steps := []step{
		{StepPushPrimary, true, func(ctx context.Context) error {
			return f.pusher.Push(ctx, fmt.Sprintf("%s:refs/heads/%s", f.releaseBranch(), f.primaryBranch()))
		}},
		{StepPushRelease, false, func(ctx context.Context) error {
			return f.pusher.Push(ctx, fmt.Sprintf("+%s:refs/heads/%s", f.releaseBranch(), f.releaseBranch()))
		}},
		{StepOpenPR, false, func(ctx context.Context) error {
			if f.forge == nil {
				return errors.New("no forge configured")
			}
			var err error
			pr, err = f.forge.EnsurePullRequest(ctx, forge.CreatePullRequestRequest{
				Title: f.prTitle(res),
				Head:  f.releaseBranch(),
				Base:  rc.HolochainSourceBranch,
				Body:  fmt.Sprintf("Release %s (tag %s), run %s.", res.Version, res.Tag, rc.Trigger.RunID),
			})
			if err == nil && f.out != nil {
				f.out.StepDetail("pull request #%d %s", pr.Number, pr.HTMLURL)
			}
			return err
		}},
		{StepMergePR, true, func(ctx context.Context) error {
			if !f.cfg.AutoMerge {
				f.logger.Info("auto merge disabled")
				return nil
			}
			if err := f.forge.Approve(ctx, pr.Number, "Automated release approval."); err != nil {
				return err
			}
			return f.forge.Merge(ctx, pr.Number, "merge")
		}},
		{StepPublish, true, func(ctx context.Context) error {
			return f.publisher.Publish(ctx, rc, res)
		}},
		{StepPushTags, true, func(ctx context.Context) error {
			return f.pusher.Push(ctx, "refs/tags/"+res.Tag)
		}},
		{StepCreateRelease, true, func(ctx context.Context) error {
			if f.forge == nil {
				return errors.New("no forge configured")
			}
			_, err := f.forge.CreateRelease(ctx, forge.CreateReleaseRequest{
				TagName:    res.Tag,
				Name:       res.Tag,
				Body:       fmt.Sprintf("Release %s.", res.Version),
				Prerelease: version.IsPrerelease(res.Version),
			})
			return err
		}},
	}

	if rc.DryRun && f.out != nil {
		f.out.DryRunStart()
		defer f.out.DryRunEnd()
	}

	var executed []string
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return executed, shipyarderrors.Canceled(err)
		}
		if s.irreversible && rc.DryRun {
			f.logger.Info("finalize step skipped", "step", s.name, "reason", "dry run")
			if f.out != nil {
				f.out.StepSkipped(i+1, "%s", titleStep(s.name))
			}
			continue
		}

		if f.out != nil {
			f.out.Step(i+1, "%s", titleStep(s.name))
		}
		f.logger.Info("finalize step", "step", s.name)
		if err := s.run(ctx); err != nil {
			f.logger.Error("finalize step failed", "step", s.name, "error", err)
			return executed, shipyarderrors.Finalize(s.name, err)
		}
		executed = append(executed, s.name)
	}
	return executed, nil
}

func (f *Finalizer) primaryBranch() string {
	if f.cfg.PrimaryBranch != "" {
		return f.cfg.PrimaryBranch
	}
	return config.DefaultPrimaryBranch
}

func (f *Finalizer) releaseBranch() string {
	if f.cfg.ReleaseBranch != "" {
		return f.cfg.ReleaseBranch
	}
	return config.DefaultReleaseBranch
}

func (f *Finalizer) prTitle(res Result) string {
	title := f.cfg.PRTitle
	if title == "" {
		title = config.DefaultPRTitle
	}
	return strings.ReplaceAll(title, "{version}", res.Version)
}

func titleStep(name string) string {
	return strings.ToUpper(name[:1]) + name[1:]
}
