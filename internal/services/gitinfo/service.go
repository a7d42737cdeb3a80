// Package gitinfo reads branch, commit and worktree state of a target repository.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/fgeck/repo-templater/internal/models"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// ErrNotRepository is returned when the path is not the root of a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Service defines the interface for git inspection.
type Service interface {
	Inspect(path string) (*models.GitInfo, error)
}

// Impl implements the gitinfo Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new gitinfo service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Inspect opens the repository at path. A repository without commits
// reports its initial branch and an empty commit.
func (s *Impl) Inspect(path string) (*models.GitInfo, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	info := &models.GitInfo{}

	head, err := repo.Head()
	switch {
	case err == nil:
		info.Commit = head.Hash().String()
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		ref, refErr := repo.Storer.Reference(plumbing.HEAD)
		if refErr == nil && ref.Type() == plumbing.SymbolicReference {
			info.Branch = ref.Target().Short()
		}
	default:
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	if remote, err := repo.Remote(git.DefaultRemoteName); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			info.RemoteURL = urls[0]
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get working tree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w", err)
	}
	info.Clean = status.IsClean()

	s.logger.Debug().
		Str("path", path).
		Str("branch", info.Branch).
		Str("commit", info.Commit).
		Bool("clean", info.Clean).
		Msg("inspected repository")

	return info, nil
}
