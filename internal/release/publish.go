package release

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/model"
	"github.com/AndreyAkinshin/shipyard/internal/shell"
)

// CommandPublisher publishes packages with a configured shell command.
type CommandPublisher struct {
	command string
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
}

// NewCommandPublisher creates a publisher. An empty command publishes
// nothing.
func NewCommandPublisher(command string, stdout, stderr io.Writer, logger *slog.Logger) *CommandPublisher {
	return &CommandPublisher{command: command, stdout: stdout, stderr: stderr, logger: logging.OrDiscard(logger)}
}

// Publish runs the publish command with the run variables plus
// SHIPYARD_VERSION and SHIPYARD_TAG.
func (p *CommandPublisher) Publish(ctx context.Context, rc model.RunContext, res Result) error {
	if p.command == "" {
		p.logger.Warn("no publish command configured")
		return nil
	}
	env := rc.Env()
	env["SHIPYARD_VERSION"] = res.Version
	env["SHIPYARD_TAG"] = res.Tag

	code, err := shell.Run(ctx, shell.Command{
		Script: p.command,
		Dir:    rc.RepoPath,
		Env:    env,
		Stdout: p.stdout,
		Stderr: p.stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("publish command exited with code %d", code)
	}
	return nil
}
