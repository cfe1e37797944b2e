package release

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestGitRepoWithRemote creates a working repo with one commit on
// branch "release" and a bare repo registered as its origin.
// Skips the test if git is not available in the environment.
func createTestGitRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	remoteDir = t.TempDir()
	gitIn(t, remoteDir, "init", "--bare")

	repoDir = t.TempDir()
	gitIn(t, repoDir, "init")
	for _, args := range [][]string{
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
		{"config", "commit.gpgsign", "false"},
	} {
		gitIn(t, repoDir, args...)
	}
	gitIn(t, repoDir, "checkout", "-b", "release")
	gitIn(t, repoDir, "commit", "--allow-empty", "--no-gpg-sign", "-m", "release 0.4.0")
	gitIn(t, repoDir, "remote", "add", "origin", remoteDir)
	return repoDir, remoteDir
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestRemote_PushBranchesAndTag(t *testing.T) {
	repoDir, remoteDir := createTestGitRepoWithRemote(t)
	r := NewRemote(repoDir, "")
	ctx := context.Background()

	require.NoError(t, r.Push(ctx, "release:refs/heads/main"))
	require.NoError(t, r.Push(ctx, "+release:refs/heads/release"))
	require.NoError(t, r.Push(ctx, "+release:refs/heads/release"), "re-pushing the release branch is a no-op")

	gitIn(t, repoDir, "tag", "v0.4.0")
	require.NoError(t, r.Push(ctx, "refs/tags/v0.4.0"))

	head := gitIn(t, repoDir, "rev-parse", "HEAD")
	assert.Equal(t, head, gitIn(t, remoteDir, "rev-parse", "refs/heads/main"))
	assert.Equal(t, head, gitIn(t, remoteDir, "rev-parse", "refs/heads/release"))
	assert.Equal(t, head, gitIn(t, remoteDir, "rev-parse", "refs/tags/v0.4.0^{commit}"))

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "release", branch)
}

func TestRemote_PushUnknownRef(t *testing.T) {
	repoDir, _ := createTestGitRepoWithRemote(t)
	err := NewRemote(repoDir, "origin").Push(context.Background(), "refs/tags/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git push")
}
