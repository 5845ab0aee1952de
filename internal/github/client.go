// Package github adapts the GitHub REST API to the collaborator
// interfaces of the job engine and the mention poller.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"golang.org/x/time/rate"

	"github.com/terrpan/runbot/internal/buildinfo"
	"github.com/terrpan/runbot/internal/job"
	"github.com/terrpan/runbot/internal/registry"
)

// maxCommentPages bounds a single ListRecentComments call.
const maxCommentPages = 10

// Config holds the GitHub settings.
type Config struct {
	Token string

	// IssueRepo is where tracking issues are opened ("owner/repo").
	IssueRepo string

	// BaseURL is set for GitHub Enterprise, e.g. "https://ghe.example/api/v3/".
	BaseURL string

	// RequestsPerSecond bounds API calls.  Default: 5.
	RequestsPerSecond float64
}

// Client implements job.GitHub and registry.CommentFeed.
type Client struct {
	gh        *gh.Client
	issueRepo string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

var (
	_ job.GitHub           = (*Client)(nil)
	_ registry.CommentFeed = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if _, _, err := splitRepo(cfg.IssueRepo); err != nil {
		return nil, fmt.Errorf("github: issue repo: %w", err)
	}

	client := gh.NewClient(nil)
	client.UserAgent = buildinfo.UserAgent()
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		var err error
		if client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
	}

	logger.Info("github client initialized",
		slog.String("issueRepo", cfg.IssueRepo),
		slog.Bool("authenticated", cfg.Token != ""),
	)
	return newClient(client, cfg, logger), nil
}

func newClient(client *gh.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	return &Client{
		gh:        client,
		issueRepo: cfg.IssueRepo,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		logger:    logger,
	}
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

// GetPullRequest implements job.GitHub.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (*job.PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("get pull request %s#%d: %w", repo, number, err)
	}

	return &job.PullRequest{
		Repo:   repo,
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		URL:    pr.GetHTMLURL(),
		Head:   job.Ref{Repo: pr.GetHead().GetRepo().GetFullName(), Branch: pr.GetHead().GetRef()},
		Base:   job.Ref{Repo: pr.GetBase().GetRepo().GetFullName(), Branch: pr.GetBase().GetRef()},
	}, nil
}

// GetBranch implements job.GitHub.
func (c *Client) GetBranch(ctx context.Context, repo, branch string) (job.Ref, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return job.Ref{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return job.Ref{}, err
	}

	b, _, err := c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1)
	if err != nil {
		return job.Ref{}, fmt.Errorf("get branch %s in %s: %w", branch, repo, err)
	}
	return job.Ref{Repo: repo, Branch: b.GetName()}, nil
}

// CreateIssue implements job.GitHub.  Issues go to the configured
// tracking repository.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (*job.Issue, error) {
	owner, name, err := splitRepo(c.issueRepo)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	issue, _, err := c.gh.Issues.Create(ctx, owner, name, &gh.IssueRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create issue in %s: %w", c.issueRepo, err)
	}

	c.logger.Debug("tracking issue created", slog.Int("number", issue.GetNumber()))
	return &job.Issue{Repo: c.issueRepo, Number: issue.GetNumber(), URL: issue.GetHTMLURL()}, nil
}

// UpdateIssue implements job.GitHub.
func (c *Client) UpdateIssue(ctx context.Context, issue *job.Issue, body string) error {
	owner, name, err := splitRepo(issue.Repo)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, _, err := c.gh.Issues.Edit(ctx, owner, name, issue.Number, &gh.IssueRequest{Body: gh.String(body)}); err != nil {
		return fmt.Errorf("update issue %s#%d: %w", issue.Repo, issue.Number, err)
	}
	return nil
}

// CreateComment implements job.GitHub and registry.CommentFeed.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &gh.IssueComment{Body: gh.String(body)}); err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo, number, err)
	}
	return nil
}

// ListRecentComments implements registry.CommentFeed.  It lists issue
// and pull request comments of repo created or updated since since.
func (c *Client) ListRecentComments(ctx context.Context, repo string, since time.Time) ([]registry.Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.String("created"),
		Direction:   gh.String("asc"),
		Since:       &since,
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var out []registry.Comment
	for range maxCommentPages {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		// Issue number 0 lists the comments of every issue in the repo.
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, 0, opts)
		if err != nil {
			return nil, fmt.Errorf("list comments of %s: %w", repo, err)
		}

		for _, ic := range comments {
			out = append(out, toComment(repo, ic))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func toComment(repo string, ic *gh.IssueComment) registry.Comment {
	issueURL := ic.GetIssueURL()
	number, _ := strconv.Atoi(issueURL[strings.LastIndex(issueURL, "/")+1:])

	return registry.Comment{
		ID:            ic.GetID(),
		Repo:          repo,
		Number:        number,
		IsPullRequest: strings.Contains(ic.GetHTMLURL(), "/pull/"),
		Author:        ic.GetUser().GetLogin(),
		Body:          ic.GetBody(),
		URL:           ic.GetHTMLURL(),
		CreatedAt:     ic.GetCreatedAt().Time,
	}
}
