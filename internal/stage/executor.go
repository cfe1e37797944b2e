package stage

import (
	"context"
	"io"
	"os"

	"github.com/AndreyAkinshin/shipyard/internal/shell"
)

// Job is one attempt of a cell's run command.
type Job struct {
	CellID  string
	Script  string
	Dir     string
	Env     map[string]string
	Attempt int
}

// Executor runs a job and returns its exit code. A non-nil error means the
// command could not run to completion (not started, killed, canceled).
type Executor interface {
	Execute(ctx context.Context, job Job) (int, error)
}

// ShellExecutor runs jobs through sh -c. Output lines are prefixed with the
// cell ID so parallel cells stay readable.
type ShellExecutor struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewShellExecutor returns a ShellExecutor writing to the process streams.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Execute implements Executor.
func (e *ShellExecutor) Execute(ctx context.Context, job Job) (int, error) {
	prefix := "[" + job.CellID + "] "
	stdout := shell.NewPrefixWriter(e.Stdout, prefix)
	stderr := shell.NewPrefixWriter(e.Stderr, prefix)
	defer func() {
		_ = stdout.Flush()
		_ = stderr.Flush()
	}()

	return shell.Run(ctx, shell.Command{
		Script: job.Script,
		Dir:    job.Dir,
		Env:    job.Env,
		Stdout: stdout,
		Stderr: stderr,
	})
}
