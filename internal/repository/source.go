// internal/repository/source.go
package repository

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

// NewSource returns the file source selected by the repository config.
func NewSource(cfg config.Interface, logger *zap.Logger) (workspace.FileSource, error) {
	repoCfg := cfg.Repository()
	switch repoCfg.Type {
	case config.RepositoryGit, "":
		return OpenGit(repoCfg.LocalPath, repoCfg.Ref, logger)
	case config.RepositoryGitHub:
		gh := cfg.GitHub()
		ref := repoCfg.Ref
		if ref == "" || ref == "HEAD" {
			ref = gh.BaseBranch
		}
		return NewGitHubSource(NewGitHubClient(gh, nil), gh.RepoOwner, gh.RepoName, ref), nil
	default:
		return nil, fmt.Errorf("unknown repository type %q", repoCfg.Type)
	}
}
