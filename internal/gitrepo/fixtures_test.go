package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"docdraft/internal/published"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repository fixtures. The service itself only reads.

// EnsureRepo initialises the repository with an empty branch if it does not
// exist yet.
func (s *Service) EnsureRepo() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(s.repoPath, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(s.repoPath, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(s.branch))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", s.branch, err)
	}
	return nil
}

// CommitFiles writes files into the worktree and commits them on the
// published branch. Keys are slash-separated paths relative to the repo root.
func (s *Service) CommitFiles(files map[string]string, author, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.repoPath)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	root := worktree.Filesystem.Root()
	for _, name := range names {
		clean, err := published.CleanPath(name)
		if err != nil {
			return "", err
		}
		target := filepath.Join(root, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", clean, err)
		}
		if err := os.WriteFile(target, []byte(files[name]), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", clean, err)
		}
		if _, err := worktree.Add(clean); err != nil {
			return "", fmt.Errorf("git add %s: %w", clean, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.docdraft.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit files: %w", err)
	}
	return hash.String()[:7], nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
