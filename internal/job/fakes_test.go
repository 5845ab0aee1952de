package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/terrpan/runbot/internal/provisioner"
)

// ---------------------------------------------------------------------------
// Fake GitHub
// ---------------------------------------------------------------------------

type comment struct {
	Repo   string
	Number int
	Body   string
}

type fakeGitHub struct {
	mu       sync.Mutex
	prs      map[string]*PullRequest
	prErr    error
	issues   []string // titles
	bodies   map[int]string
	comments []comment
	nextNum  int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		prs: map[string]*PullRequest{
			"dotnet/runtime#42": {
				Repo: "dotnet/runtime", Number: 42, Title: "Vectorize IndexOf",
				URL:  "https://github.com/dotnet/runtime/pull/42",
				Head: Ref{Repo: "contrib/runtime", Branch: "vectorize"},
				Base: Ref{Repo: "dotnet/runtime", Branch: "main"},
			},
			"dotnet/runtime#7": {
				Repo: "dotnet/runtime", Number: 7, Title: "Dependency",
				URL:  "https://github.com/dotnet/runtime/pull/7",
				Head: Ref{Repo: "dep/runtime", Branch: "dep"},
				Base: Ref{Repo: "dotnet/runtime", Branch: "main"},
			},
		},
		bodies:  make(map[int]string),
		nextNum: 1000,
	}
}

func (f *fakeGitHub) GetPullRequest(_ context.Context, repo string, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return nil, f.prErr
	}
	pr, ok := f.prs[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return nil, fmt.Errorf("404 Not Found")
	}
	return pr, nil
}

func (f *fakeGitHub) GetBranch(_ context.Context, repo, branch string) (Ref, error) {
	if branch == "missing" {
		return Ref{}, fmt.Errorf("branch %s not found", branch)
	}
	return Ref{Repo: repo, Branch: branch}, nil
}

func (f *fakeGitHub) CreateIssue(_ context.Context, title, body string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNum++
	f.issues = append(f.issues, title)
	f.bodies[f.nextNum] = body
	return &Issue{Repo: "runbot/jobs", Number: f.nextNum, URL: fmt.Sprintf("https://github.com/runbot/jobs/issues/%d", f.nextNum)}, nil
}

func (f *fakeGitHub) UpdateIssue(_ context.Context, issue *Issue, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[issue.Number] = body
	return nil
}

func (f *fakeGitHub) CreateComment(_ context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, comment{Repo: repo, Number: number, Body: body})
	return nil
}

func (f *fakeGitHub) getComments() []comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]comment(nil), f.comments...)
}

func (f *fakeGitHub) getIssues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.issues...)
}

func (f *fakeGitHub) body(number int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[number]
}

// ---------------------------------------------------------------------------
// Fake blob store
// ---------------------------------------------------------------------------

// sizedBody reports a size without carrying any bytes.
type sizedBody struct{ size int64 }

func (sizedBody) Read([]byte) (int, error) { return 0, io.EOF }

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string]string
	sizes   map[string]int64
	deleted []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string]string), sizes: make(map[string]int64)}
}

func (f *fakeBlobs) Upload(_ context.Context, key string, body io.Reader) (string, int64, error) {
	var (
		data []byte
		size int64
	)
	if sb, ok := body.(sizedBody); ok {
		size = sb.size
	} else {
		var err error
		if data, err = io.ReadAll(body); err != nil {
			return "", 0, err
		}
		size = int64(len(data))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = string(data)
	f.sizes[key] = size
	return "https://blobs.example/" + key, size, nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobs) object(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[key]
	return v, ok
}

func (f *fakeBlobs) getDeleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// ---------------------------------------------------------------------------
// Fake record store and shortener
// ---------------------------------------------------------------------------

type fakeRecords struct {
	mu      sync.Mutex
	records []*CompletedRecord
}

func (f *fakeRecords) SaveCompletedJob(_ context.Context, r *CompletedRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeRecords) get() []*CompletedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*CompletedRecord(nil), f.records...)
}

type prefixShortener struct{}

func (prefixShortener) Shorten(_ context.Context, long string) (string, error) {
	return "https://s.example/" + long[strings.LastIndex(long, "/")+1:], nil
}

// ---------------------------------------------------------------------------
// Fake provisioner
// ---------------------------------------------------------------------------

type fakeProvisioner struct {
	mu      sync.Mutex
	scripts []string
	// run replaces the default "block until done" behaviour.
	run func(ctx context.Context, t provisioner.Target) error
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Provision(ctx context.Context, t provisioner.Target, script string) error {
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	run := p.run
	p.mu.Unlock()

	if run != nil {
		return run(ctx, t)
	}
	<-t.Done()
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
