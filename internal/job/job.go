// Package job implements the job lifecycle engine: a single Job type that
// owns the rolling log, artifacts, metadata and timeouts of one requested
// run, and delegates the kind-specific parts to a Kind.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runbot/internal/provisioner"
	"github.com/terrpan/runbot/internal/rollinglog"
)

// State is a lifecycle stage of a job.
type State string

const (
	StateCreated              State = "Created"
	StateInitializing         State = "Initializing"
	StateTrackingIssueCreated State = "TrackingIssueCreated"
	StateProvisioning         State = "Provisioning"
	StateRunning              State = "Running"
	StateFinalizing           State = "Finalizing"
	StateCompleted            State = "Completed"
)

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSuccess   Outcome = "Success"
	OutcomeFailed    Outcome = "Failed"
	OutcomeCancelled Outcome = "Cancelled"
)

// CompletionSource records which of the completion triggers fired first.
type CompletionSource string

const (
	SourceNone            CompletionSource = ""
	SourceFinished        CompletionSource = "Finished"
	SourceDurationTimeout CompletionSource = "DurationTimeout"
	SourceIdleTimeout     CompletionSource = "IdleTimeout"
	SourceFailFast        CompletionSource = "FailFast"
)

// ErrorMarker prefixes remote log lines that report a failure.
const ErrorMarker = "ERROR:"

const maxTitleLength = 99

// Settings are the job-wide limits and links shared by every job.
type Settings struct {
	IdleTimeout         time.Duration
	MaxDuration         time.Duration
	NoTimeLimitDuration time.Duration

	LogCapacity      int
	MaxArtifacts     int
	MaxArtifactBytes int64

	// PublicBaseURL is where the progress pages are served from.
	PublicBaseURL string
	// ControllerURL is what remote workers call back into.
	ControllerURL string
	// DefaultRepo is the repository refs without an owner resolve in.
	DefaultRepo string

	RunnerRepo   string
	RunnerBranch string

	// MentionRequester mentions the initiator on the tracking issue
	// once the job completes.
	MentionRequester bool

	// KnownFuzzers are the fuzzer names the fuzz kind matches against.
	KnownFuzzers []string
}

// DefaultSettings returns the limits used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		IdleTimeout:         20 * time.Minute,
		MaxDuration:         5 * time.Hour,
		NoTimeLimitDuration: 3 * 24 * time.Hour,
		LogCapacity:         100_000,
		MaxArtifacts:        128,
		MaxArtifactBytes:    16 << 30,
		RunnerBranch:        "main",
	}
}

func (s *Settings) applyDefaults() {
	d := DefaultSettings()
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = d.IdleTimeout
	}
	if s.MaxDuration <= 0 {
		s.MaxDuration = d.MaxDuration
	}
	if s.NoTimeLimitDuration <= 0 {
		s.NoTimeLimitDuration = d.NoTimeLimitDuration
	}
	if s.LogCapacity <= 0 {
		s.LogCapacity = d.LogCapacity
	}
	if s.MaxArtifacts <= 0 {
		s.MaxArtifacts = d.MaxArtifacts
	}
	if s.MaxArtifactBytes <= 0 {
		s.MaxArtifactBytes = d.MaxArtifactBytes
	}
	if s.RunnerBranch == "" {
		s.RunnerBranch = d.RunnerBranch
	}
}

// Deps are the collaborators a job talks to.  GitHub, Blobs and
// Provisioners are required; the rest may be nil.
type Deps struct {
	GitHub       GitHub
	Blobs        BlobStore
	Shortener    Shortener
	Records      RecordStore
	Provisioners *provisioner.Set

	Settings Settings
	Logger   *slog.Logger

	// OnCompleted is called once bookkeeping has finished.
	OnCompleted func(*Job)
}

// Request is a resolved trigger: who asked for what, and where.
type Request struct {
	Kind      string
	Arguments string
	Initiator string

	// Repo and PullRequest identify the PR the request was made on.
	// PullRequest is 0 for requests that name a branch instead.
	Repo        string
	PullRequest int

	// IsAdmin unlocks -noTimeLimit.
	IsAdmin bool
}

// Artifact is a collected result file.
type Artifact struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// SystemInfo is a hardware snapshot reported by the remote worker.
type SystemInfo struct {
	CPUUsage         float64 `json:"cpuUsage"`
	CoreCount        int     `json:"coreCount"`
	MemoryUsage      float64 `json:"memoryUsage"`
	AvailableMemory  int64   `json:"availableMemory"`
	TotalMemory      int64   `json:"totalMemory"`
	DiskAvailableGiB float64 `json:"diskAvailableGiB,omitempty"`
}

// Job is one requested run.  It implements provisioner.Target.
type Job struct {
	internalID string
	publicID   string

	kind   Kind
	req    Request
	opts   Options
	deps   Deps
	meta   *Metadata
	log    *rollinglog.Log
	logger *slog.Logger
	tracer trace.Tracer

	startTime   time.Time
	maxDuration time.Duration
	done        chan struct{}

	mu             sync.Mutex
	state          State
	outcome        Outcome
	source         CompletionSource
	completed      bool
	endTime        time.Time
	cancel         context.CancelCauseFunc
	idleTimer      *time.Timer
	idleDeadline   time.Time
	durationTimer  *time.Timer
	firstError     string
	failures       []string
	errorCommented bool
	tested         *PullRequest
	testedRef      Ref
	issue          *Issue
	remoteLogin    string
	telemetry      *SystemInfo
	summary        string
	contactedAt    time.Time
	artifacts      []Artifact
	artifactSlots  int
	artifactBytes  int64
	quietMention   bool
	logsURL        string
}

var _ provisioner.Target = (*Job)(nil)

// New constructs a job of the requested kind.  The request's arguments
// are parsed here so malformed flags are reported before anything runs.
func New(req Request, deps Deps) (*Job, error) {
	kind, err := NewKind(req.Kind)
	if err != nil {
		return nil, err
	}

	opts, err := ParseOptions(req.Arguments)
	if err != nil {
		return nil, err
	}
	if opts.NoTimeLimit && !req.IsAdmin {
		return nil, fmt.Errorf("-noTimeLimit is restricted to administrators")
	}

	deps.Settings.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	now := time.Now().UTC()
	j := &Job{
		internalID:  newID(),
		publicID:    newID(),
		kind:        kind,
		req:         req,
		opts:        opts,
		deps:        deps,
		meta:        NewMetadata(),
		log:         rollinglog.New(deps.Settings.LogCapacity),
		tracer:      otel.Tracer("runbot/job"),
		startTime:   now,
		maxDuration: deps.Settings.MaxDuration,
		done:        make(chan struct{}),
		state:       StateCreated,
	}
	if opts.NoTimeLimit {
		j.maxDuration = deps.Settings.NoTimeLimitDuration
	}
	j.logger = deps.Logger.With(
		slog.String("job", j.publicID),
		slog.String("kind", kind.Name()),
	)

	j.meta.Set(MetaJobType, kind.Name())
	j.meta.Set(MetaExternalID, j.publicID)
	j.meta.Set(MetaInitiator, req.Initiator)
	j.meta.Set(MetaCustomArguments, req.Arguments)
	j.meta.Set(MetaStartTime, now.Format(time.RFC3339))
	j.meta.Set(MetaArtifactsPrefix, j.artifactKey(""))

	return j, nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InternalID is the secret id remote workers authenticate with.
func (j *Job) InternalID() string { return j.internalID }

// PublicID is the id used in links.
func (j *Job) PublicID() string { return j.publicID }

// Kind returns the job kind.
func (j *Job) Kind() Kind { return j.kind }

// Request returns the trigger that created the job.
func (j *Job) Request() Request { return j.req }

// Options returns the parsed argument flags.
func (j *Job) Options() Options { return j.opts }

// Metadata returns the job's metadata map.
func (j *Job) Metadata() *Metadata { return j.meta }

// RollingLog returns the job's log buffer.
func (j *Job) RollingLog() *rollinglog.Log { return j.log }

// Settings returns the limits the job runs under.
func (j *Job) Settings() Settings { return j.deps.Settings }

// GitHub returns the source-control collaborator.
func (j *Job) GitHub() GitHub { return j.deps.GitHub }

// StartTime is when the job was created.
func (j *Job) StartTime() time.Time { return j.startTime }

// MaxDuration is the hard duration ceiling of this job.
func (j *Job) MaxDuration() time.Duration { return j.maxDuration }

// Done is closed once the job has completed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Completed reports whether the completion signal has fired.
func (j *Job) Completed() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Elapsed returns the running time, stopped at completion.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.elapsedLocked()
}

func (j *Job) elapsedLocked() time.Duration {
	if j.completed {
		return j.endTime.Sub(j.startTime)
	}
	return time.Since(j.startTime)
}

// State returns the current lifecycle stage.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Outcome returns the terminal result, or OutcomeNone while running.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// CompletionSource returns the trigger that completed the job.
func (j *Job) CompletionSource() CompletionSource {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.source
}

// FirstError returns the headline error, if any.
func (j *Job) FirstError() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.firstError
}

// TrackingIssue returns the tracking issue, if one was created.
func (j *Job) TrackingIssue() *Issue {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.issue
}

// Tested returns the pull request under test, if any.
func (j *Job) Tested() *PullRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tested
}

// TestedRef returns the branch under test.
func (j *Job) TestedRef() Ref {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.testedRef
}

// RemoteLogin returns how an operator can reach the worker.
func (j *Job) RemoteLogin() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.remoteLogin
}

// Telemetry returns the latest hardware snapshot.
func (j *Job) Telemetry() *SystemInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.telemetry
}

// ProgressSummary returns the short human-readable status line.
func (j *Job) ProgressSummary() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary
}

// Artifacts returns a copy of the accepted artifacts.
func (j *Job) Artifacts() []Artifact {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Artifact(nil), j.artifacts...)
}

// ArtifactBytes is the running total of accepted artifact sizes.
func (j *Job) ArtifactBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.artifactBytes
}

// ProgressURL is the public live-log page of the job.
func (j *Job) ProgressURL() string {
	return strings.TrimSuffix(j.deps.Settings.PublicBaseURL, "/") + "/jobs/" + j.publicID + "/progress"
}

// Title is the tracking-issue title: kind prefix plus a descriptor,
// truncated to 99 characters.
func (j *Job) Title() string {
	title := j.kind.TitlePrefix()
	if d := j.descriptor(); d != "" {
		title += " " + d
	}
	return truncate(title, maxTitleLength)
}

func (j *Job) descriptor() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case j.tested != nil:
		return fmt.Sprintf("%s#%d %s", j.tested.Repo, j.tested.Number, j.tested.Title)
	case j.opts.Positional != "":
		return j.opts.Positional
	case j.testedRef.Branch != "":
		return j.testedRef.String()
	default:
		return j.req.Arguments
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Machine implements provisioner.Target.
func (j *Job) Machine() provisioner.Machine { return j.opts.Machine }

// IdleTimeout implements provisioner.Target.
func (j *Job) IdleTimeout() time.Duration { return j.deps.Settings.IdleTimeout }

// IdleTimeoutFired implements provisioner.Target.  A fail-fast counts
// as an idle expiry so remote resources of a cancelled job are reclaimed.
func (j *Job) IdleTimeoutFired() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.source == SourceIdleTimeout || j.source == SourceFailFast
}

// Logf writes a controller-side line to the job log.  Unlike Log it does
// not count as remote activity.
func (j *Job) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed {
		return
	}
	j.log.AddLines(strings.Split(line, "\n")...)
}

// SetRemoteLogin implements provisioner.Target.
func (j *Job) SetRemoteLogin(login string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		j.remoteLogin = login
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		j.state = s
	}
}

// artifactKey is the blob key of a job file.
func (j *Job) artifactKey(name string) string {
	return "jobs/" + j.publicID + "/" + name
}
