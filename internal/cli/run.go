package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AndreyAkinshin/shipyard/internal/cache"
	"github.com/AndreyAkinshin/shipyard/internal/config"
	"github.com/AndreyAkinshin/shipyard/internal/debug"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/forge"
	"github.com/AndreyAkinshin/shipyard/internal/matrix"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/notify"
	"github.com/AndreyAkinshin/shipyard/internal/pipeline"
	"github.com/AndreyAkinshin/shipyard/internal/release"
	"github.com/AndreyAkinshin/shipyard/internal/stage"
	"github.com/AndreyAkinshin/shipyard/internal/state"
)

// definition builds the matrix inputs of a pipeline file.
func definition(cfg *config.Config) pipeline.Definition {
	prepare := cfg.ModelPrepare()
	return pipeline.Definition{
		Platforms: cfg.ModelPlatforms(),
		Commands:  cfg.ModelCommands(),
		Exclude:   cfg.Excluder(),
		Prepare:   &prepare,
	}
}

func newRunCommand() *cobra.Command {
	flags := &triggerFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the release pipeline",
		Long: `Run one release: prepare, test on every platform, finalize and notify.

The exit code is 0 when the verdict is success or "no changes to release"
and 1 when the run failed.`,
		Example: `  # Nightly release from develop
  shipyard run --trigger schedule --branch develop

  # Manual release that stops before irreversible steps
  shipyard run --trigger workflow_dispatch --branch develop --dry-run

  # Pull request check without the test run step
  shipyard run --trigger pull_request --skip-test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelease(cmd, flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func runRelease(cmd *cobra.Command, flags *triggerFlags) error {
	a := appFrom(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := flags.runContext(ctx, a.cfg.ProjectRoot)
	if err != nil {
		return err
	}
	a.logger.Info("run resolved",
		"trigger", string(rc.Trigger.Kind),
		"branch", rc.HolochainSourceBranch,
		"run_id", rc.Trigger.RunID,
		"dry_run", rc.DryRun,
		"overrides", changedOverrides(cmd.Flags()),
	)

	store, err := openState(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	p, err := buildPipeline(ctx, a, store, rc)
	if err != nil {
		return err
	}

	result := p.Run(ctx, rc)
	if result.Outcome.Verdict() == model.VerdictFailure {
		return &exitError{code: shipyarderrors.ExitRuntimeError}
	}
	return nil
}

// buildPipeline wires every collaborator of a run from the configuration.
func buildPipeline(ctx context.Context, a *app, store *state.Store, rc model.RunContext) (*pipeline.Pipeline, error) {
	cfg := a.cfg
	stdout, stderr := a.out.Out(), os.Stderr

	c, err := newCache(ctx, cfg, store, rc.RepoPath, a)
	if err != nil {
		return nil, err
	}
	executor := &stage.ShellExecutor{Stdout: stdout, Stderr: stderr}
	runner := stage.New(c, executor, stage.WithLogger(a.logger), stage.WithOutput(a.out))
	scheduler := matrix.NewScheduler(runner, matrix.WithLogger(a.logger))

	preparer := release.NewCommandPreparer(cfg.Release,
		release.WithPreparerLogger(a.logger),
		release.WithPreparerOutput(stdout, stderr),
	)

	client, err := newForgeClient(cfg.Forge, a)
	if err != nil {
		return nil, err
	}
	var fg release.Forge
	notifyOpts := []notify.Option{notify.WithLogger(a.logger)}
	if client != nil {
		fg = client
		notifyOpts = append(notifyOpts, notify.WithStatuses(client))
	}

	finalizer := release.NewFinalizer(cfg.Release,
		release.NewRemote(rc.RepoPath, cfg.Release.Remote),
		fg,
		release.NewCommandPublisher(cfg.Release.PublishCommand, stdout, stderr, a.logger),
		release.WithFinalizerOutput(a.out),
		release.WithFinalizerLogger(a.logger),
	)

	hook := debug.New(cfg.Debug, debug.WithLogger(a.logger), debug.WithOutput(stdout, stderr))

	return pipeline.New(definition(cfg), preparer, scheduler, finalizer, notify.New(cfg.Notify, notifyOpts...),
		pipeline.WithHistory(store),
		pipeline.WithDebugHook(hook),
		pipeline.WithSupersede(
			time.Duration(cfg.Supersede.PollIntervalSeconds)*time.Second,
			time.Duration(cfg.Supersede.WaitTimeoutMinutes)*time.Minute,
		),
		pipeline.WithLogger(a.logger),
		pipeline.WithOutput(a.out),
	), nil
}

func openState(ctx context.Context, cfg *config.Config) (*state.Store, error) {
	store, err := state.Open(ctx, cfg.StatePath)
	if err != nil {
		return nil, shipyarderrors.Environmentf("state database %s: %v", cfg.StatePath, err)
	}
	return store, nil
}

// newCache builds the snapshot store over the configured blob backend.
// Relative cache paths resolve against root.
func newCache(ctx context.Context, cfg *config.Config, store *state.Store, root string, a *app) (*cache.Store, error) {
	var blobs cache.Blobs
	switch cfg.Cache.Backend {
	case "s3":
		s3 := cfg.Cache.S3
		s3cfg := cache.S3ConfigFromEnv(cache.S3Config{
			Endpoint: s3.Endpoint,
			Bucket:   s3.Bucket,
			Region:   s3.Region,
			Prefix:   s3.Prefix,
			UseSSL:   s3.UseSSL,
		}, s3.AccessKeyEnv, s3.SecretKeyEnv)
		if err := s3cfg.Validate(); err != nil {
			return nil, shipyarderrors.Environmentf("cache.s3: %v", err)
		}
		b, err := cache.NewS3Blobs(s3cfg)
		if err != nil {
			return nil, shipyarderrors.Environmentf("cache.s3: %v", err)
		}
		if err := b.EnsureBucket(ctx, s3.Region); err != nil {
			return nil, shipyarderrors.Environmentf("cache.s3: %v", err)
		}
		blobs = b
	default:
		blobs = cache.NewLocalBlobs(cfg.Cache.Dir)
	}
	return cache.New(store, blobs, root, cache.WithLogger(a.logger)), nil
}

// newForgeClient returns nil when no token is available; finalize steps
// that need the forge then fail and commit statuses are skipped.
func newForgeClient(cfg config.ForgeConfig, a *app) (*forge.Client, error) {
	token := os.Getenv(cfg.TokenEnv)
	if token == "" || cfg.Owner == "" || cfg.Repo == "" {
		a.logger.Warn("forge disabled", "token_env", cfg.TokenEnv, "owner", cfg.Owner, "repo", cfg.Repo)
		return nil, nil
	}
	client, err := forge.NewClient(forge.Config{
		BaseURL: cfg.BaseURL,
		Owner:   cfg.Owner,
		Repo:    cfg.Repo,
		Token:   token,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, configError(err)
	}
	return client, nil
}
