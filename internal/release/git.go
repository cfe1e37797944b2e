package release

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Remote pushes refs from a local checkout to one git remote.
type Remote struct {
	dir    string
	remote string
}

// NewRemote returns a Remote for the checkout at dir.
func NewRemote(dir, remote string) *Remote {
	if remote == "" {
		remote = "origin"
	}
	return &Remote{dir: dir, remote: remote}
}

// Push runs git push with one refspec.
func (r *Remote) Push(ctx context.Context, refspec string) error {
	return r.git(ctx, "push", r.remote, refspec)
}

// CurrentBranch returns the checked-out branch.
func (r *Remote) CurrentBranch(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = r.dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Remote) git(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	return nil
}
