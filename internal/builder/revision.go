package builder

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// sourceRevision returns the commit checked out in the git repository that
// contains dir, with a "-dirty" suffix if the worktree has local changes.
// It returns "" if dir is not inside a repository.
func sourceRevision(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("could not open repository: %w", err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision("HEAD"))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil // no commits yet
		}
		return "", fmt.Errorf("could not resolve HEAD: %w", err)
	}
	revision := hash.String()

	w, err := repo.Worktree()
	if err != nil {
		return revision, nil // bare repository
	}
	status, err := w.Status()
	if err != nil {
		return revision, fmt.Errorf("could not get worktree status: %w", err)
	}
	if !status.IsClean() {
		revision += "-dirty"
	}
	return revision, nil
}
