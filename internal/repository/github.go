// internal/repository/github.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

// NewGitHubClient returns an authenticated API client. A nil httpClient uses the default.
func NewGitHubClient(cfg config.GitHubConfig, httpClient *http.Client) *github.Client {
	client := github.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	return client
}

// GitHubSource reads files through the GitHub contents API at a fixed ref.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	ref    string
}

// NewGitHubSource reads from owner/repo at ref; an empty ref means the default branch.
func NewGitHubSource(client *github.Client, owner, repo, ref string) *GitHubSource {
	return &GitHubSource{client: client, owner: owner, repo: repo, ref: ref}
}

// ReadFile fetches and decodes one file.
func (s *GitHubSource) ReadFile(ctx context.Context, p string) (string, error) {
	key := workspace.NormalizePath(p)
	var opts *github.RepositoryContentGetOptions
	if s.ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: s.ref}
	}
	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, key, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return "", fmt.Errorf("github contents request for %s failed: %w", key, err)
	}
	if file == nil {
		return "", fmt.Errorf("%s is a directory", key)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return content, nil
}

// PullRequestOpener pushes a run's fixes to a new branch and opens a pull request.
type PullRequestOpener struct {
	client *github.Client
	gh     config.GitHubConfig
	author config.GitConfig
	logger *zap.Logger
}

// NewPullRequestOpener creates an opener for the configured repository.
func NewPullRequestOpener(client *github.Client, gh config.GitHubConfig, author config.GitConfig, logger *zap.Logger) *PullRequestOpener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PullRequestOpener{client: client, gh: gh, author: author, logger: logger.Named("pr_opener")}
}

// ErrNoFixes is returned when a run produced no modified files.
var ErrNoFixes = errors.New("run produced no file changes")

// Open creates branch healops/<incident>-<run>, commits each fix and opens a
// pull request against the base branch. It returns the pull request URL.
func (o *PullRequestOpener) Open(ctx context.Context, incident schemas.Incident, result models.RunResult) (string, error) {
	if len(result.Fixes) == 0 {
		return "", ErrNoFixes
	}
	owner, repo, base := o.gh.RepoOwner, o.gh.RepoName, o.gh.BaseBranch
	branch := BranchName(incident.ID, result.RunID)

	baseRef, _, err := o.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base branch %s: %w", base, err)
	}
	_, _, err = o.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	o.logger.Info("Created remediation branch.", zap.String("branch", branch), zap.String("base_sha", baseRef.Object.GetSHA()))

	for _, fix := range result.Fixes {
		if err := o.commitFile(ctx, branch, incident, fix); err != nil {
			return "", err
		}
	}

	pr, _, err := o.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(pullRequestTitle(incident)),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(pullRequestBody(incident, result)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to open pull request: %w", err)
	}
	o.logger.Info("Opened pull request.", zap.String("url", pr.GetHTMLURL()), zap.Int("files", len(result.Fixes)))
	return pr.GetHTMLURL(), nil
}

func (o *PullRequestOpener) commitFile(ctx context.Context, branch string, incident schemas.Incident, fix models.FileChange) error {
	owner, repo := o.gh.RepoOwner, o.gh.RepoName
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fmt.Sprintf("healops: update %s for %s", fix.Path, incident.ID)),
		Content: []byte(fix.Content),
		Branch:  github.String(branch),
	}
	if o.author.AuthorName != "" {
		opts.Author = &github.CommitAuthor{Name: github.String(o.author.AuthorName), Email: github.String(o.author.AuthorEmail)}
		opts.Committer = opts.Author
	}

	existing, _, resp, err := o.client.Repositories.GetContents(ctx, owner, repo, fix.Path, &github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
		_, _, err = o.client.Repositories.UpdateFile(ctx, owner, repo, fix.Path, opts)
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		_, _, err = o.client.Repositories.CreateFile(ctx, owner, repo, fix.Path, opts)
	case err == nil:
		err = fmt.Errorf("%s is a directory", fix.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to commit %s: %w", fix.Path, err)
	}
	return nil
}

// BranchName is the remediation branch for one run.
func BranchName(incidentID, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, incidentID)
	return fmt.Sprintf("healops/%s-%s", id, short)
}

func pullRequestTitle(incident schemas.Incident) string {
	title := incident.Title
	if title == "" {
		title = incident.ID
	}
	return "healops: " + title
}

func pullRequestBody(incident schemas.Incident, result models.RunResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated remediation for incident `%s`.\n\n", incident.ID)
	if incident.RootCause != "" {
		fmt.Fprintf(&sb, "**Root cause:** %s\n\n", incident.RootCause)
	}
	fmt.Fprintf(&sb, "Run `%s`: %d iteration(s), %d/%d step(s) completed, %d failed, %d replan(s).\n\n",
		result.RunID, result.Iterations, result.PlanProgress.Completed, result.PlanProgress.Total,
		result.PlanProgress.Failed, result.PlanProgress.ReplanCount)
	sb.WriteString("### Steps\n")
	for _, s := range result.PlanProgress.Steps {
		mark := " "
		if s.Status == models.StepCompleted {
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %d. %s\n", mark, s.StepNumber, s.Description)
	}
	sb.WriteString("\n### Files\n")
	for _, f := range result.Fixes {
		fmt.Fprintf(&sb, "- `%s`\n", f.Path)
	}
	return sb.String()
}
