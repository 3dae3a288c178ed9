package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

// gitAvailable skips tests when the git binary is not on PATH -- this
// package's whole job is shelling out to the real binary, so a lightweight
// local-repo fixture (no network) is the only honest way to test it.
func gitAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

func TestCloneOrPullClonesWhenMasterMissing(t *testing.T) {
	gitAvailable(t)
	root := t.TempDir()

	origin := filepath.Join(root, "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	runGit(t, origin, "init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hello"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "initial")

	master := filepath.Join(root, "master")
	s := New()
	result, err := s.CloneOrPull(context.Background(), origin, master)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.FileExists(t, filepath.Join(master, "README.md"))
}

func TestCloneOrPullPullsWhenUpToDate(t *testing.T) {
	gitAvailable(t)
	root := t.TempDir()

	origin := filepath.Join(root, "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	runGit(t, origin, "init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hello"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "initial")

	master := filepath.Join(root, "master")
	s := New()
	_, err := s.CloneOrPull(context.Background(), origin, master)
	require.NoError(t, err)
	runGit(t, master, "branch", "--set-upstream-to=origin/main", "main")

	result, err := s.CloneOrPull(context.Background(), origin, master)
	require.NoError(t, err)
	assert.False(t, result.Changed, "a pull with nothing new must report Changed=false")
}

func TestCloneOrPullDetectsNewCommits(t *testing.T) {
	gitAvailable(t)
	root := t.TempDir()

	origin := filepath.Join(root, "origin")
	require.NoError(t, os.MkdirAll(origin, 0o755))
	runGit(t, origin, "init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "README.md"), []byte("hello"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "initial")

	master := filepath.Join(root, "master")
	s := New()
	_, err := s.CloneOrPull(context.Background(), origin, master)
	require.NoError(t, err)
	runGit(t, master, "branch", "--set-upstream-to=origin/main", "main")

	require.NoError(t, os.WriteFile(filepath.Join(origin, "CHANGELOG.md"), []byte("v2"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "second")

	result, err := s.CloneOrPull(context.Background(), origin, master)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.FileExists(t, filepath.Join(master, "CHANGELOG.md"))
}
