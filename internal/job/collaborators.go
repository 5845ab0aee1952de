package job

import (
	"context"
	"io"
)

// Ref is a concrete branch in a repository.
type Ref struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// String formats the ref as "owner/repo:branch".
func (r Ref) String() string {
	return r.Repo + ":" + r.Branch
}

// PullRequest is the resolved view of a pull request.
type PullRequest struct {
	Repo   string
	Number int
	Title  string
	URL    string
	Head   Ref
	Base   Ref
}

// Issue identifies a tracking issue.
type Issue struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// GitHub is the source-control collaborator.
type GitHub interface {
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	GetBranch(ctx context.Context, repo, branch string) (Ref, error)
	CreateIssue(ctx context.Context, title, body string) (*Issue, error)
	UpdateIssue(ctx context.Context, issue *Issue, body string) error
	CreateComment(ctx context.Context, repo string, number int, body string) error
}

// BlobStore persists artifacts and log archives under public URLs.
type BlobStore interface {
	// Upload stores body under key and returns its public URL and size.
	Upload(ctx context.Context, key string, body io.Reader) (url string, size int64, err error)
	Delete(ctx context.Context, key string) error
}

// Shortener turns long URLs into short ones.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

// RecordStore keeps completed-job records for historical queries.
type RecordStore interface {
	SaveCompletedJob(ctx context.Context, record *CompletedRecord) error
}
