// Package release provides the prepare and finalize collaborators of a
// release run.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AndreyAkinshin/shipyard/internal/config"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/shell"
	"github.com/AndreyAkinshin/shipyard/internal/version"
)

// Result is what the prepare step reports.
type Result struct {
	ReleasableCrates bool   `yaml:"releasable_crates"`
	Version          string `yaml:"version"`
	Tag              string `yaml:"tag"`
}

// CommandPreparer runs the configured prepare command and reads its result
// file.
type CommandPreparer struct {
	command    string
	resultFile string
	tagFormat  string
	stdout     io.Writer
	stderr     io.Writer
	logger     *slog.Logger
}

// PreparerOption configures a CommandPreparer.
type PreparerOption func(*CommandPreparer)

// WithPreparerLogger sets the logger.
func WithPreparerLogger(l *slog.Logger) PreparerOption {
	return func(p *CommandPreparer) { p.logger = logging.OrDiscard(l) }
}

// WithPreparerOutput redirects the command's output.
func WithPreparerOutput(stdout, stderr io.Writer) PreparerOption {
	return func(p *CommandPreparer) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// NewCommandPreparer creates a preparer from the release configuration.
func NewCommandPreparer(cfg config.ReleaseConfig, opts ...PreparerOption) *CommandPreparer {
	p := &CommandPreparer{
		command:    cfg.PrepareCommand,
		resultFile: cfg.PrepareResultFile,
		tagFormat:  cfg.TagFormat,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prepare writes the release environment script, runs the prepare command in
// the repository checkout and parses the result file it leaves behind.
func (p *CommandPreparer) Prepare(ctx context.Context, rc model.RunContext) (Result, error) {
	if p.command == "" {
		return Result{}, errors.New("no prepare command configured")
	}
	if rc.ReleaseEnvScript != "" {
		if err := WriteEnvScript(rc.ReleaseEnvScript, rc); err != nil {
			return Result{}, err
		}
	}

	resultFile := p.resultPath(rc)
	// A stale file from an earlier run must not be mistaken for this run's result.
	if err := os.Remove(resultFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("removing stale prepare result: %w", err)
	}

	env := rc.Env()
	env["SHIPYARD_PREPARE_RESULT"] = resultFile
	p.logger.Info("running prepare command", "command", p.command, "dir", rc.RepoPath)

	code, err := shell.Run(ctx, shell.Command{
		Script: p.command,
		Dir:    rc.RepoPath,
		Env:    env,
		Stdout: p.stdout,
		Stderr: p.stderr,
	})
	if err != nil {
		return Result{}, fmt.Errorf("prepare command: %w", err)
	}
	if code != 0 {
		return Result{}, fmt.Errorf("prepare command exited with code %d", code)
	}

	res, err := ReadResult(resultFile, p.tagFormat)
	if err != nil {
		return Result{}, err
	}
	p.logger.Info("prepare finished", "releasable_crates", res.ReleasableCrates, "version", res.Version, "tag", res.Tag)
	return res, nil
}

func (p *CommandPreparer) resultPath(rc model.RunContext) string {
	if filepath.IsAbs(p.resultFile) || rc.RepoPath == "" {
		return p.resultFile
	}
	return filepath.Join(rc.RepoPath, p.resultFile)
}

// ReadResult parses a prepare result file. When crates are releasable the
// version must be valid semver; a missing tag is rendered from tagFormat.
func ReadResult(path, tagFormat string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading prepare result: %w", err)
	}
	var res Result
	if err := yaml.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("parsing prepare result %s: %w", path, err)
	}
	if !res.ReleasableCrates {
		return res, nil
	}

	if err := version.Validate(res.Version); err != nil {
		return Result{}, fmt.Errorf("prepare result version: %w", err)
	}
	res.Version = version.Normalize(res.Version)
	if res.Tag == "" {
		tag, err := version.FormatTag(tagFormat, res.Version)
		if err != nil {
			return Result{}, err
		}
		res.Tag = tag
		return res, nil
	}

	tagged, err := version.VersionFromTag(tagFormat, res.Tag)
	if err != nil {
		return Result{}, fmt.Errorf("prepare result tag: %w", err)
	}
	if version.Normalize(tagged) != res.Version {
		return Result{}, fmt.Errorf("prepare result tag %q names version %s, not %s", res.Tag, tagged, res.Version)
	}
	return res, nil
}
