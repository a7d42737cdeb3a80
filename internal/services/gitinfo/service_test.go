package gitinfo

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestInspect_NotRepository(t *testing.T) {
	_, err := New(testLogger()).Inspect(t.TempDir())

	assert.ErrorIs(t, err, ErrNotRepository)
}

func TestInspect_EmptyRepository(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	info, err := New(testLogger()).Inspect(dir)

	require.NoError(t, err)
	assert.Equal(t, "master", info.Branch)
	assert.Empty(t, info.Commit)
	assert.True(t, info.Clean)
}

func TestInspect_CommittedRepository(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{"git@example.com:team/app.git"},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# app\n"), 0o644))
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add("README.md")
	require.NoError(t, err)
	hash, err := worktree.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	svc := New(testLogger())
	info, err := svc.Inspect(dir)

	require.NoError(t, err)
	assert.Equal(t, "master", info.Branch)
	assert.Equal(t, hash.String(), info.Commit)
	assert.Equal(t, "git@example.com:team/app.git", info.RemoteURL)
	assert.True(t, info.Clean)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	info, err = svc.Inspect(dir)
	require.NoError(t, err)
	assert.False(t, info.Clean)
}
