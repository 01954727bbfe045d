// internal/repository/git.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

// ErrFileNotFound is returned when a path does not exist at the source revision.
var ErrFileNotFound = errors.New("file not found in repository")

// GitSource reads files from one commit of a local git repository. Reads
// never touch the working tree, so uncommitted edits are invisible.
type GitSource struct {
	commit *object.Commit
	logger *zap.Logger
}

// OpenGit opens the repository at path and pins ref (for example "HEAD" or a branch name).
func OpenGit(path, ref string, logger *zap.Logger) (*GitSource, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", path, err)
	}
	if ref == "" {
		ref = "HEAD"
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", ref, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("git_source")
	logger.Debug("Pinned repository revision.", zap.String("ref", ref), zap.String("commit", commit.Hash.String()))
	return &GitSource{commit: commit, logger: logger}, nil
}

// Revision returns the pinned commit hash.
func (s *GitSource) Revision() string { return s.commit.Hash.String() }

// ReadFile returns the content of p at the pinned commit.
func (s *GitSource) ReadFile(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := workspace.NormalizePath(p)
	f, err := s.commit.File(key)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return "", fmt.Errorf("failed to look up %s: %w", key, err)
	}
	content, err := f.Contents()
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return content, nil
}
