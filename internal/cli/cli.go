// Package cli provides the shipyard command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AndreyAkinshin/shipyard/internal/config"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/output"
)

// Version is set at build time.
var Version = "dev"

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	quiet      bool
}

// app is what PersistentPreRunE assembles for the command being run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    *output.Writer
}

type appKey struct{}

// exitError carries an exit code whose message was already reported.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Run executes the CLI with the given arguments and returns an exit code.
func Run(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return shipyarderrors.ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	newWriter(stdout, stderr).ErrorPrefix("%v", err)

	var pe *shipyarderrors.PipelineError
	if errors.As(err, &pe) {
		return pe.ExitCode()
	}
	// Anything cobra rejects before a command runs is a usage error.
	return shipyarderrors.ExitConfigError
}

// NewRootCmd creates the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "shipyard",
		Short: "Release pipeline coordinator",
		Long: `shipyard drives a release run end to end: it resolves the run variables,
prepares the release, runs the platform x test matrix with a shared build
cache, finalizes the release and reports the verdict.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipsConfig(cmd) {
				return nil
			}
			a, err := loadApp(cmd, opts)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("shipyard {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "pipeline file (default: shipyard.yaml in the current directory or a parent)")
	flags.String("state", "", "path to the state database")
	flags.String("cache-dir", "", "directory for local cache snapshots")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("log-format", "", "log format (auto|text|json)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "only print errors and the final verdict")

	_ = root.RegisterFlagCompletionFunc("log-level", fixedCompletion("debug", "info", "warn", "error"))
	_ = root.RegisterFlagCompletionFunc("log-format", fixedCompletion("auto", "text", "json"))

	root.AddCommand(
		newRunCommand(),
		newResolveCommand(),
		newMatrixCommand(),
		newCacheCommand(),
		newHistoryCommand(),
		newConfigCommand(),
		newVersionCommand(),
		newCompletionCommand(),
	)
	return root
}

// skipsConfig reports whether cmd works without a pipeline file.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "version", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	// resolve only needs the trigger.
	return cmd.Annotations["config"] == "optional"
}

// loadApp finds and loads the pipeline file, then builds the logger and
// output writer from it.
func loadApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	out := newWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	out.SetQuiet(opts.quiet)

	wd, err := os.Getwd()
	if err != nil {
		return nil, shipyarderrors.Environmentf("cannot determine working directory: %v", err)
	}
	path, err := config.FindFile(opts.configFile, wd)
	if err != nil {
		return nil, configError(err)
	}

	cfg, warnings, err := config.Load(path, cmd.Root().PersistentFlags())
	for _, w := range warnings {
		out.Warning("%s", w)
	}
	if err != nil {
		return nil, configError(err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, configError(err)
	}
	logger.Debug("pipeline loaded", "file", cfg.File)

	return &app{cfg: cfg, logger: logger, out: out}, nil
}

// appFrom returns the app PersistentPreRunE stored on the context.
func appFrom(cmd *cobra.Command) *app {
	if a, ok := cmd.Context().Value(appKey{}).(*app); ok {
		return a
	}
	return &app{logger: logging.Discard(), out: newWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())}
}

func configError(err error) error {
	var pe *shipyarderrors.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return &shipyarderrors.PipelineError{Kind: shipyarderrors.KindConfig, Cause: err}
}

func newWriter(stdout, stderr io.Writer) *output.Writer {
	if stdout == os.Stdout {
		return output.New()
	}
	return output.NewWithWriters(stdout, stderr, false)
}

func fixedCompletion(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return values, cobra.ShellCompDirectiveNoFileComp
	}
}
