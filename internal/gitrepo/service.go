// Package gitrepo reads published documents from a local git repository.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"docdraft/internal/published"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var _ published.Source = (*Service)(nil)

// Service serves the committed version of a file at the head of one branch.
// It never writes to the branch on behalf of editors.
type Service struct {
	repoPath string
	branch   string
	mu       sync.RWMutex
}

func New(repoPath, branch string) *Service {
	if branch == "" {
		branch = "main"
	}
	return &Service{repoPath: repoPath, branch: branch}
}

func (s *Service) Branch() string {
	return s.branch
}

// Published returns the content of filePath at the head of the published
// branch. A missing repository, branch or file is reported as absent.
func (s *Service) Published(ctx context.Context, filePath string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	clean, err := published.CleanPath(filePath)
	if err != nil {
		return "", false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, err := git.PlainOpen(s.repoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(s.branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve branch %s: %w", s.branch, err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", false, fmt.Errorf("load commit object: %w", err)
	}
	return readFileFromCommit(commitObj, clean)
}

func readFileFromCommit(commitObj *object.Commit, name string) (string, bool, error) {
	file, err := commitObj.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", false, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), true, nil
}
