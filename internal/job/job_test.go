package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runbot/internal/provisioner"
)

type JobSuite struct {
	suite.Suite
	gh      *fakeGitHub
	blobs   *fakeBlobs
	records *fakeRecords
	prov    *fakeProvisioner
	deps    Deps
}

func TestJobSuite(t *testing.T) {
	suite.Run(t, new(JobSuite))
}

func (s *JobSuite) SetupTest() {
	s.gh = newFakeGitHub()
	s.blobs = newFakeBlobs()
	s.records = &fakeRecords{}
	s.prov = &fakeProvisioner{}

	settings := DefaultSettings()
	settings.PublicBaseURL = "https://runbot.example"
	settings.ControllerURL = "https://runbot.example/runner"
	settings.DefaultRepo = "dotnet/runtime"
	settings.RunnerRepo = "https://github.com/runbot/runner"
	settings.MentionRequester = true
	settings.IdleTimeout = time.Minute
	settings.KnownFuzzers = []string{"HttpHeadersFuzzer", "JsonDocumentFuzzer", "Utf8JsonReaderFuzzer"}

	s.deps = Deps{
		GitHub:       s.gh,
		Blobs:        s.blobs,
		Records:      s.records,
		Provisioners: &provisioner.Set{GCP: s.prov, Docker: s.prov, Queue: s.prov},
		Settings:     settings,
		Logger:       discardLogger(),
	}
}

func (s *JobSuite) newJob(req Request) *Job {
	if req.Kind == "" {
		req.Kind = KindDiff
	}
	if req.Initiator == "" {
		req.Initiator = "octocat"
	}
	j, err := New(req, s.deps)
	s.Require().NoError(err)
	return j
}

// runAsync starts the job and returns a channel closed when Run returns.
func runAsync(j *Job) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		j.Run(context.Background())
	}()
	return finished
}

func waitFor(t *testing.T, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("timed out after %s", d)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (s *JobSuite) TestRun_SuccessfulLifecycle() {
	s.prov.run = func(ctx context.Context, t provisioner.Target) error {
		j := t.(*Job)
		j.MarkContacted()
		j.Log("building", "testing")
		_, err := j.ArtifactReceived(ctx, "diff.txt", strings.NewReader("12345"))
		if err != nil {
			return err
		}
		return nil
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42, Arguments: "-arm -dependsOn 7"})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.True(j.Completed())
	s.Equal(StateCompleted, j.State())
	s.Equal(OutcomeSuccess, j.Outcome())
	s.Equal(SourceFinished, j.CompletionSource())
	s.Empty(j.FirstError())

	s.Equal("dep/runtime:dep", j.Metadata().Value(MetaDependsOn))
	s.Equal("contrib/runtime", j.Metadata().Value("prrepo"))
	s.Equal("fake", j.Metadata().Value(MetaProvisioner))
	s.NotEmpty(j.Metadata().Value(MetaMaxEndTime))

	issues := s.gh.getIssues()
	s.Require().Len(issues, 1)
	s.Equal("[Diff] dotnet/runtime#42 Vectorize IndexOf", issues[0])

	issue := j.TrackingIssue()
	s.Require().NotNil(issue)
	body := s.gh.body(issue.Number)
	s.Contains(body, "Job completed in")
	s.Contains(body, "- [diff.txt](https://blobs.example/jobs/"+j.PublicID()+"/diff.txt) (5 B)")
	s.Contains(body, "[Full logs](https://blobs.example/jobs/"+j.PublicID()+"/logs.txt)")

	logs, ok := s.blobs.object("jobs/" + j.PublicID() + "/logs.txt")
	s.Require().True(ok)
	s.Contains(logs, "building\ntesting")

	recs := s.records.get()
	s.Require().Len(recs, 1)
	s.Equal(j.PublicID(), recs[0].ExternalID)
	s.Equal(issue.URL, recs[0].TrackingIssueURL)
	s.Equal("https://github.com/dotnet/runtime/pull/42", recs[0].TestedURL)
	s.Len(recs[0].Artifacts, 1)
	s.Contains(recs[0].LogsURL, "logs.txt")

	comments := s.gh.getComments()
	s.Require().Len(comments, 1, "requester is mentioned once")
	s.Contains(comments[0].Body, "@octocat")
	s.Equal(issue.Number, comments[0].Number)

	s.Require().Len(s.prov.scripts, 1)
	s.Contains(s.prov.scripts[0], j.InternalID())
}

func (s *JobSuite) TestRun_InitializationFailureStillTracked() {
	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42, Arguments: "-dependsOn missing"})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(OutcomeFailed, j.Outcome())
	s.Contains(j.FirstError(), "initialization failed")
	s.Contains(j.FirstError(), "missing")
	s.Empty(s.prov.scripts, "nothing is provisioned after a failed initialization")

	issue := j.TrackingIssue()
	s.Require().NotNil(issue)
	s.Contains(s.gh.body(issue.Number), "Error: initialization failed")
}

func (s *JobSuite) TestRun_NoTrackingIssue() {
	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42, Arguments: "-noTrackingIssue"})
	go func() {
		time.Sleep(20 * time.Millisecond)
		j.FailFast("", false)
	}()
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Empty(s.gh.getIssues())
	s.Nil(j.TrackingIssue())
	s.Len(s.records.get(), 1)
	s.Empty(s.gh.getComments(), "no issue to mention on")
}

func (s *JobSuite) TestRun_PanicIsRecovered() {
	s.prov.run = func(context.Context, provisioner.Target) error {
		panic("boom")
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(OutcomeFailed, j.Outcome())
	s.Equal("panic: boom", j.FirstError())
	s.Contains(strings.Join(j.RollingLog().Snapshot(), "\n"), "goroutine", "stack is logged in full")
	s.Contains(s.gh.body(j.TrackingIssue().Number), "panic: boom")
}

func (s *JobSuite) TestRun_ProvisioningErrorFailsJob() {
	s.prov.run = func(context.Context, provisioner.Target) error {
		return errors.New("quota exceeded")
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(OutcomeFailed, j.Outcome())
	s.Contains(j.FirstError(), "quota exceeded")
}

func (s *JobSuite) TestRun_ProvisionerNotConfigured() {
	s.deps.Provisioners = &provisioner.Set{GCP: s.prov}
	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42, Arguments: "-win"})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(OutcomeFailed, j.Outcome())
	s.Contains(j.FirstError(), "queue")
}

// A job that receives no activity completes within T of the last line,
// with a first error set.
func (s *JobSuite) TestIdleTimeout() {
	s.deps.Settings.IdleTimeout = 80 * time.Millisecond

	var lastActivity time.Time
	var mu sync.Mutex
	s.prov.run = func(_ context.Context, t provisioner.Target) error {
		j := t.(*Job)
		for range 3 {
			mu.Lock()
			lastActivity = time.Now()
			mu.Unlock()
			j.Log("still alive")
			time.Sleep(40 * time.Millisecond)
		}
		<-t.Done()
		return nil
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	mu.Lock()
	sinceLast := j.endTime.Sub(lastActivity)
	mu.Unlock()

	s.Equal(SourceIdleTimeout, j.CompletionSource())
	s.Equal(OutcomeFailed, j.Outcome())
	s.NotEmpty(j.FirstError())
	s.GreaterOrEqual(sinceLast, 80*time.Millisecond)
	s.Less(sinceLast, 80*time.Millisecond+500*time.Millisecond)
	s.True(j.IdleTimeoutFired())
}

// Activity does not keep a job alive past its max duration.
func (s *JobSuite) TestDurationTimeout() {
	s.deps.Settings.MaxDuration = 150 * time.Millisecond

	s.prov.run = func(_ context.Context, t provisioner.Target) error {
		j := t.(*Job)
		for {
			select {
			case <-t.Done():
				return nil
			case <-time.After(10 * time.Millisecond):
				j.Log("busy")
			}
		}
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(SourceDurationTimeout, j.CompletionSource())
	s.Contains(j.FirstError(), "maximum duration")
	s.Less(j.Elapsed(), 150*time.Millisecond+500*time.Millisecond)
	s.GreaterOrEqual(j.Elapsed(), 150*time.Millisecond)
}

func (s *JobSuite) TestNoTimeLimitRequiresAdmin() {
	_, err := New(Request{Kind: KindDiff, Arguments: "-noTimeLimit"}, s.deps)
	s.Error(err)

	j, err := New(Request{Kind: KindDiff, Arguments: "-noTimeLimit", IsAdmin: true}, s.deps)
	s.Require().NoError(err)
	s.Equal(s.deps.Settings.NoTimeLimitDuration, j.MaxDuration())
}

func (s *JobSuite) TestExtendIdleTimeout() {
	s.deps.Settings.IdleTimeout = 50 * time.Millisecond
	s.prov.run = func(_ context.Context, t provisioner.Target) error {
		t.ExtendIdleTimeout(300 * time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		if t.(*Job).Completed() {
			return errors.New("idle timeout fired during extension")
		}
		<-t.Done()
		return nil
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal(SourceIdleTimeout, j.CompletionSource())
	s.NotContains(j.FirstError(), "during extension")
	s.GreaterOrEqual(j.Elapsed(), 300*time.Millisecond)
}

func (s *JobSuite) TestFailFastByRequesterSuppressesMention() {
	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	finished := runAsync(j)

	s.Eventually(func() bool { return j.State() == StateProvisioning }, 2*time.Second, 5*time.Millisecond)
	j.FailFast("cancelled by @octocat", true)
	waitFor(s.T(), finished, 5*time.Second)

	s.Equal(OutcomeCancelled, j.Outcome())
	s.Equal(SourceFailFast, j.CompletionSource())
	s.Equal("cancelled by @octocat", j.FirstError())
	s.True(j.IdleTimeoutFired(), "fail-fast reclaims remote resources like an idle expiry")
	s.Empty(s.gh.getComments())
}

func (s *JobSuite) TestCompletionFiresOnce() {
	j := s.newJob(Request{})
	s.True(j.complete(SourceIdleTimeout))
	s.False(j.complete(SourceFinished))
	s.False(j.complete(SourceFailFast))
	s.Equal(SourceIdleTimeout, j.CompletionSource())

	end := j.Elapsed()
	time.Sleep(10 * time.Millisecond)
	s.Equal(end, j.Elapsed(), "clock stops at completion")
}

func (s *JobSuite) TestNothingAcceptedAfterCompletion() {
	j := s.newJob(Request{})
	j.Log("before")
	j.complete(SourceFinished)

	total := j.RollingLog().Total()
	j.Log("after")
	j.Logf("after %d", 2)
	s.Equal(total, j.RollingLog().Total())

	_, err := j.ArtifactReceived(context.Background(), "late.bin", strings.NewReader("x"))
	s.ErrorIs(err, ErrJobCompleted)

	j.SetProgressSummary("late")
	s.Empty(j.ProgressSummary())
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (s *JobSuite) TestErrorMarkerCapturedAndCommentedOnce() {
	s.prov.run = func(_ context.Context, t provisioner.Target) error {
		j := t.(*Job)
		j.Log("ok", "ERROR: build failed in System.Private.CoreLib")
		j.Log("ERROR: second failure")
		return nil
	}

	j := s.newJob(Request{Repo: "dotnet/runtime", PullRequest: 42})
	waitFor(s.T(), runAsync(j), 5*time.Second)

	s.Equal("build failed in System.Private.CoreLib", j.FirstError())
	s.Equal(OutcomeFailed, j.Outcome())

	s.Eventually(func() bool {
		for _, c := range s.gh.getComments() {
			if c.Number == 42 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	prComments := 0
	for _, c := range s.gh.getComments() {
		if c.Number == 42 {
			prComments++
			s.Contains(c.Body, "build failed")
		}
	}
	s.Equal(1, prComments)
}

func (s *JobSuite) TestMarkContacted() {
	j := s.newJob(Request{})
	j.setState(StateProvisioning)
	j.MarkContacted()
	first := j.ContactedAt()
	j.MarkContacted()

	s.Equal(StateRunning, j.State())
	s.False(first.IsZero())
	s.Equal(first, j.ContactedAt())
	s.NotEmpty(j.Metadata().Value("ProvisioningDelay"))
}

func (s *JobSuite) TestTelemetryAndSummary() {
	j := s.newJob(Request{})
	j.SetTelemetry(SystemInfo{CPUUsage: 0.5, CoreCount: 16})
	j.SetProgressSummary("  Running tests  ")
	j.SetRemoteLogin("ssh runbot@10.0.0.1")

	s.Equal(16, j.Telemetry().CoreCount)
	s.Equal("Running tests", j.ProgressSummary())
	s.Equal("ssh runbot@10.0.0.1", j.RemoteLogin())

	sum := j.Summarize()
	s.Equal(j.PublicID(), sum.ID)
	s.Equal("https://runbot.example/jobs/"+j.PublicID()+"/progress", sum.ProgressURL)
}

// 130 uploads: exactly 128 are accepted.
func (s *JobSuite) TestArtifactCountCeiling() {
	j := s.newJob(Request{})
	ctx := context.Background()

	var accepted, rejected int
	for i := range 130 {
		_, err := j.ArtifactReceived(ctx, fmt.Sprintf("file-%03d.txt", i), strings.NewReader("x"))
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrArtifactRejected):
			rejected++
		default:
			s.FailNow("unexpected error", err)
		}
	}

	s.Equal(128, accepted)
	s.Equal(2, rejected)
	arts := j.Artifacts()
	s.Len(arts, 128)
	for _, a := range arts {
		s.NotEqual("file-128.txt", a.Name)
		s.NotEqual("file-129.txt", a.Name)
	}
}

func (s *JobSuite) TestArtifactCountCeilingConcurrent() {
	j := s.newJob(Request{})
	var wg sync.WaitGroup
	for i := range 130 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = j.ArtifactReceived(context.Background(), fmt.Sprintf("f%d", i), strings.NewReader("x"))
		}()
	}
	wg.Wait()
	s.Len(j.Artifacts(), 128)
}

// Sizes summing to just under 16 GiB, then one that would exceed it.
func (s *JobSuite) TestArtifactSizeCeiling() {
	j := s.newJob(Request{})
	ctx := context.Background()
	const limit = int64(16) << 30

	_, err := j.ArtifactReceived(ctx, "a.bin", sizedBody{size: 8 << 30})
	s.Require().NoError(err)
	_, err = j.ArtifactReceived(ctx, "b.bin", sizedBody{size: 8<<30 - 1})
	s.Require().NoError(err)
	s.Equal(limit-1, j.ArtifactBytes())

	_, err = j.ArtifactReceived(ctx, "c.bin", sizedBody{size: 2})
	s.ErrorIs(err, ErrArtifactRejected)
	s.Equal(limit-1, j.ArtifactBytes(), "running total is unchanged")
	s.Len(j.Artifacts(), 2)
	s.Contains(s.blobs.getDeleted(), "jobs/"+j.PublicID()+"/c.bin", "rejected blob is deleted")

	_, err = j.ArtifactReceived(ctx, "d.bin", sizedBody{size: 1})
	s.NoError(err, "an artifact that still fits is accepted")
}

func (s *JobSuite) TestArtifactShortened() {
	s.deps.Shortener = prefixShortener{}
	j := s.newJob(Request{})

	a, err := j.ArtifactReceived(context.Background(), "../../etc/report.html", strings.NewReader("<html/>"))
	s.Require().NoError(err)
	s.Equal("report.html", a.Name)
	s.Equal("https://s.example/report.html", a.URL)
	s.Equal(int64(7), a.Size)
}

func (s *JobSuite) TestArtifactInvalidName() {
	j := s.newJob(Request{})
	_, err := j.ArtifactReceived(context.Background(), "logs.txt", strings.NewReader("x"))
	s.ErrorIs(err, ErrInvalidArtifactName)
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func (s *JobSuite) TestStreamLogs() {
	j := s.newJob(Request{})
	j.Log("one", "two")

	go func() {
		time.Sleep(250 * time.Millisecond)
		j.Log("three")
		time.Sleep(50 * time.Millisecond)
		j.complete(SourceFinished)
	}()

	var lines []string
	flushes := 0
	for line := range j.StreamLogs(context.Background()) {
		if line == nil {
			flushes++
			continue
		}
		lines = append(lines, *line)
	}

	s.Require().GreaterOrEqual(len(lines), 4)
	s.Equal([]string{"one", "two", "three"}, lines[:3])
	s.Contains(lines[3], "Job completed")
	s.Positive(flushes, "idle polls emit flush markers")
}

func (s *JobSuite) TestStreamLogsRestartable() {
	j := s.newJob(Request{})
	j.Log("a", "b")
	j.complete(SourceFinished)

	seq := j.StreamLogs(context.Background())
	collect := func() []string {
		var out []string
		for line := range seq {
			if line != nil {
				out = append(out, *line)
			}
		}
		return out
	}
	first := collect()
	s.Equal(first, collect())
	s.Equal("a", first[0])
}

func (s *JobSuite) TestStreamLogsStopsOnContext() {
	j := s.newJob(Request{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range j.StreamLogs(ctx) {
		}
	}()
	cancel()
	waitFor(s.T(), done, 3*time.Second)
}

// ---------------------------------------------------------------------------
// Titles and bodies
// ---------------------------------------------------------------------------

func TestTitleTruncated(t *testing.T) {
	j, err := New(Request{Kind: KindFuzz, Arguments: strings.Repeat("x", 200)}, Deps{})
	require.NoError(t, err)

	title := j.Title()
	assert.Len(t, []rune(title), 99)
	assert.True(t, strings.HasPrefix(title, "[Fuzz] xxx"))
}

func TestFinalIssueBody(t *testing.T) {
	j, err := New(Request{Kind: KindDiff}, Deps{})
	require.NoError(t, err)
	j.artifacts = []Artifact{
		{Name: "small.txt", URL: "https://b/small.txt", Size: 512},
		{Name: "big.zip", URL: "https://b/big.zip", Size: 3 << 30},
	}
	j.firstError = "tests failed"
	j.failures = []string{"tests failed", "provisioning: zone exhausted"}
	j.complete(SourceFinished)

	body := j.FinalIssueBody()
	assert.Contains(t, body, "Job completed in")
	assert.Contains(t, body, "(Failed)")
	assert.Contains(t, body, "Error: tests failed")
	assert.Contains(t, body, "provisioning: zone exhausted")
	assert.Contains(t, body, "- [small.txt](https://b/small.txt) (512 B)")
	assert.Contains(t, body, "- [big.zip](https://b/big.zip) (3.0 GiB)")
}

func TestUnknownKind(t *testing.T) {
	_, err := New(Request{Kind: "deploy"}, Deps{})
	assert.Error(t, err)
}
