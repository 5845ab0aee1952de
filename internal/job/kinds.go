package job

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind supplies the parts of a job that differ between job types.
type Kind interface {
	Name() string
	TitlePrefix() string

	// PostErrorAsComment echoes the first remote error on the PR.
	PostErrorAsComment() bool

	Initialize(ctx context.Context, j *Job) error

	// RunCore executes the job; most kinds just provision a worker.
	RunCore(ctx context.Context, j *Job) error

	// InterceptArtifact may consume an artifact before it is uploaded.
	// Returning true means the artifact was handled and must not be
	// stored.
	InterceptArtifact(ctx context.Context, j *Job, name string, body io.Reader) (bool, error)
}

// Kind names.
const (
	KindDiff      = "diff"
	KindFuzz      = "fuzz"
	KindBenchmark = "benchmark"
	KindRegexDiff = "regexdiff"
	KindRebase    = "rebase"
	KindMerge     = "merge"
	KindFormat    = "format"
	KindBackport  = "backport"
)

var kinds = map[string]func() Kind{
	KindDiff:      func() Kind { return diffKind{} },
	KindFuzz:      func() Kind { return &fuzzKind{} },
	KindBenchmark: func() Kind { return resultsKind{name: KindBenchmark, prefix: "[Benchmark]", file: "results.md"} },
	KindRegexDiff: func() Kind { return resultsKind{name: KindRegexDiff, prefix: "[RegexDiff]", file: "regexdiff.md"} },
	KindRebase:    func() Kind { return gitOpKind{name: KindRebase, prefix: "[Rebase]"} },
	KindMerge:     func() Kind { return gitOpKind{name: KindMerge, prefix: "[Merge]"} },
	KindFormat:    func() Kind { return gitOpKind{name: KindFormat, prefix: "[Format]"} },
	KindBackport:  func() Kind { return gitOpKind{name: KindBackport, prefix: "[Backport]", needsTarget: true} },
}

// NewKind constructs the kind registered under name.
func NewKind(name string) (Kind, error) {
	ctor, ok := kinds[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown job kind %q", name)
	}
	return ctor(), nil
}

// KindNames lists the registered kinds.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for n := range kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// baseKind provides the default behaviour kinds embed.
type baseKind struct{}

func (baseKind) PostErrorAsComment() bool                  { return false }
func (baseKind) Initialize(context.Context, *Job) error    { return nil }
func (baseKind) RunCore(ctx context.Context, j *Job) error { return j.Provision(ctx) }
func (baseKind) InterceptArtifact(context.Context, *Job, string, io.Reader) (bool, error) {
	return false, nil
}

// diffKind builds the tested and baseline sources and diffs their output.
type diffKind struct{ baseKind }

func (diffKind) Name() string             { return KindDiff }
func (diffKind) TitlePrefix() string      { return "[Diff]" }
func (diffKind) PostErrorAsComment() bool { return true }

func (diffKind) Initialize(_ context.Context, j *Job) error {
	if args := j.opts.Positional; args != "" {
		j.meta.Set("DiffArguments", args)
	}
	return nil
}

// fuzzKind runs the fuzzers whose names match a glob pattern.
type fuzzKind struct {
	baseKind
	fuzzers []string
}

func (*fuzzKind) Name() string        { return KindFuzz }
func (*fuzzKind) TitlePrefix() string { return "[Fuzz]" }

func (k *fuzzKind) Initialize(_ context.Context, j *Job) error {
	pattern := strings.ToLower(strings.TrimSpace(j.opts.Positional))
	if pattern == "" {
		return fmt.Errorf("fuzz requires a fuzzer name or pattern")
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		pattern = "*" + pattern + "*"
	}
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid fuzzer pattern %q", j.opts.Positional)
	}

	for _, f := range j.deps.Settings.KnownFuzzers {
		if ok, _ := doublestar.Match(pattern, strings.ToLower(f)); ok {
			k.fuzzers = append(k.fuzzers, f)
		}
	}
	if len(k.fuzzers) == 0 {
		return fmt.Errorf("no fuzzer matches %q", j.opts.Positional)
	}

	j.meta.Set("Fuzzers", strings.Join(k.fuzzers, ","))
	j.Logf("Selected fuzzers: %s", strings.Join(k.fuzzers, ", "))
	return nil
}

// InterceptArtifact flags crash inputs in the progress summary; the
// artifact itself is still stored.
func (k *fuzzKind) InterceptArtifact(_ context.Context, j *Job, name string, _ io.Reader) (bool, error) {
	if ok, _ := doublestar.Match("{crash,timeout,oom}-*", strings.ToLower(name)); ok {
		j.SetProgressSummary("Found " + name)
		j.Logf("Fuzzer produced %s", name)
	}
	return false, nil
}

// resultsKind posts a markdown results file as a PR comment instead of
// storing it.
type resultsKind struct {
	baseKind
	name   string
	prefix string
	file   string
}

// maxCommentBytes stays under GitHub's comment size limit.
const maxCommentBytes = 60_000

func (k resultsKind) Name() string        { return k.name }
func (k resultsKind) TitlePrefix() string { return k.prefix }

func (k resultsKind) Initialize(_ context.Context, j *Job) error {
	if j.Tested() == nil {
		return fmt.Errorf("%s must be requested on a pull request", k.name)
	}
	if filter := j.opts.Positional; filter != "" {
		j.meta.Set("Filter", filter)
	}
	return nil
}

func (k resultsKind) InterceptArtifact(ctx context.Context, j *Job, name string, body io.Reader) (bool, error) {
	if !strings.EqualFold(name, k.file) {
		return false, nil
	}

	data, err := io.ReadAll(io.LimitReader(body, maxCommentBytes+1))
	if err != nil {
		return false, err
	}
	text := string(data)
	if len(data) > maxCommentBytes {
		text = string(data[:maxCommentBytes]) + "\n\n(truncated)"
	}

	pr := j.Tested()
	if err := j.deps.GitHub.CreateComment(ctx, pr.Repo, pr.Number, text); err != nil {
		return false, fmt.Errorf("posting %s: %w", name, err)
	}
	j.SetProgressSummary("Posted " + name)
	return true, nil
}

// gitOpKind runs a git operation against the PR branch on the worker.
type gitOpKind struct {
	baseKind
	name        string
	prefix      string
	needsTarget bool
}

func (k gitOpKind) Name() string             { return k.name }
func (k gitOpKind) TitlePrefix() string      { return k.prefix }
func (k gitOpKind) PostErrorAsComment() bool { return true }

func (k gitOpKind) Initialize(_ context.Context, j *Job) error {
	if j.Tested() == nil {
		return fmt.Errorf("%s must be requested on a pull request", k.name)
	}
	j.meta.Set("GitOperation", k.name)

	if k.needsTarget {
		target := strings.TrimSpace(j.opts.Positional)
		if target == "" || strings.ContainsAny(target, " \t") {
			return fmt.Errorf("%s requires a single target branch", k.name)
		}
		j.meta.Set("BackportTarget", target)
	}
	return nil
}

// IsKind reports whether name is a registered kind.
func IsKind(name string) bool {
	return slices.Contains(KindNames(), strings.ToLower(name))
}
