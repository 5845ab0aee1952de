// Package registry tracks every live job under both of its ids, enforces
// who may start jobs and reclaims entries after a retention window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runbot/internal/job"
	"github.com/terrpan/runbot/internal/rollinglog"
)

var (
	// ErrNotAuthorized is returned for requesters outside the allow-list.
	// Callers facing the requester should drop it silently.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("registry is shutting down")

	// ErrPaused is returned while the PauseNewJobs flag is set.
	ErrPaused = errors.New("new jobs are paused")

	// ErrNoJob is returned when a cancel request matches no running job.
	ErrNoJob = errors.New("no matching job")
)

// Operator flags.
const (
	// FlagPauseNewJobs stops new submissions.
	FlagPauseNewJobs = "PauseNewJobs"
	// FlagForceDockerHost routes Linux jobs to the Docker host.
	FlagForceDockerHost = "ForceDockerHost"
)

// Flags reads operator flags.
type Flags interface {
	GetFlag(ctx context.Context, name string) (string, bool, error)
}

// AllowList authorizes requesters by login.  Logins compare
// case-insensitively.
type AllowList struct {
	// Admins may start any kind and use admin-only flags.
	Admins []string
	// Users maps a login to the kinds it may start; "*" allows all.
	Users map[string][]string
}

// Allowed reports whether login may start a job of kind.
func (a AllowList) Allowed(login, kind string) bool {
	if a.Admin(login) {
		return true
	}
	for user, kinds := range a.Users {
		if !strings.EqualFold(user, login) {
			continue
		}
		for _, k := range kinds {
			if k == "*" || strings.EqualFold(k, kind) {
				return true
			}
		}
	}
	return false
}

// Admin reports whether login is an administrator.
func (a AllowList) Admin(login string) bool {
	return slices.ContainsFunc(a.Admins, func(s string) bool { return strings.EqualFold(s, login) })
}

// Config holds the registry parameters.
type Config struct {
	// Retention is how long an entry stays after the job was started.
	// Default: 48h.
	Retention time.Duration

	Allow AllowList
	Flags Flags

	// JobDeps is the template every job is constructed with.
	JobDeps job.Deps

	// DiagnosticsCapacity bounds the operator log.  Default: 10000.
	DiagnosticsCapacity int

	Logger *slog.Logger
}

// key addresses a job by one of its two ids.
type key struct {
	id     string
	public bool
}

// Registry is the set of live jobs.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	diag   *rollinglog.Log

	mu           sync.Mutex
	jobs         map[key]*job.Job
	removals     map[string]*time.Timer // public id -> removal timer
	denied       map[string]struct{}
	shuttingDown bool
	running      sync.WaitGroup

	tracer trace.Tracer
	meter  metric.Meter

	jobsStarted   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if cfg.DiagnosticsCapacity <= 0 {
		cfg.DiagnosticsCapacity = 10_000
	}

	r := &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		diag:     rollinglog.New(cfg.DiagnosticsCapacity),
		jobs:     make(map[key]*job.Job),
		removals: make(map[string]*time.Timer),
		denied:   make(map[string]struct{}),
		tracer:   otel.Tracer("runbot/registry"),
		meter:    otel.Meter("runbot/registry"),
	}
	r.initMetrics()
	return r
}

func (r *Registry) initMetrics() {
	var err error
	r.jobsStarted, err = r.meter.Int64Counter(
		"runbot.jobs.started",
		metric.WithDescription("Total number of jobs started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Warn("failed to create jobsStarted counter", slog.String("error", err.Error()))
	}

	r.jobsCompleted, err = r.meter.Int64Counter(
		"runbot.jobs.completed",
		metric.WithDescription("Total number of jobs completed, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		r.logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	r.jobDuration, err = r.meter.Float64Histogram(
		"runbot.job.duration",
		metric.WithDescription("Wall-clock duration of completed jobs (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(60, 300, 900, 1800, 3600, 7200, 18000),
	)
	if err != nil {
		r.logger.Warn("failed to create jobDuration histogram", slog.String("error", err.Error()))
	}

	_, err = r.meter.Int64ObservableGauge(
		"runbot.jobs.active",
		metric.WithDescription("Current number of jobs that have not completed"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(r.GetAllActiveJobs())))
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}
}

// Diagnostics is the operator log of the registry.
func (r *Registry) Diagnostics() *rollinglog.Log {
	return r.diag
}

func (r *Registry) diagf(format string, args ...any) {
	r.diag.AddLines(time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...))
}

// StartJob authorizes req, constructs the job and runs it detached from
// ctx's cancellation.  The job is reachable by both ids until the
// retention window has passed.
func (r *Registry) StartJob(ctx context.Context, req job.Request) (*job.Job, error) {
	ctx, span := r.tracer.Start(ctx, "registry.StartJob", trace.WithAttributes(
		attribute.String("job.kind", req.Kind),
		attribute.String("job.initiator", req.Initiator),
	))
	defer span.End()

	if !r.cfg.Allow.Allowed(req.Initiator, req.Kind) {
		r.deny(req)
		return nil, ErrNotAuthorized
	}
	req.IsAdmin = r.cfg.Allow.Admin(req.Initiator)

	if r.paused(ctx) {
		return nil, ErrPaused
	}

	deps := r.cfg.JobDeps
	deps.OnCompleted = r.jobCompleted
	if deps.Logger == nil {
		deps.Logger = r.logger
	}

	j, err := job.New(req, deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.jobs[key{id: j.InternalID()}] = j
	r.jobs[key{id: j.PublicID(), public: true}] = j
	r.removals[j.PublicID()] = time.AfterFunc(r.cfg.Retention, func() { r.remove(j) })
	r.running.Add(1)
	r.mu.Unlock()

	span.SetAttributes(attribute.String("job.id", j.PublicID()))
	r.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", req.Kind)))
	r.diagf("Started %s job %s for %s: %s", req.Kind, j.PublicID(), req.Initiator, req.Arguments)
	r.logger.Info("job registered",
		slog.String("job", j.PublicID()),
		slog.String("kind", req.Kind),
		slog.String("initiator", req.Initiator),
	)

	// The job gets its own trace, linked to the request that started it.
	link := trace.LinkFromContext(ctx)
	runCtx := trace.ContextWithSpan(context.WithoutCancel(ctx), nil)
	go func() {
		defer r.running.Done()
		j.Run(runCtx, trace.WithLinks(link))
	}()

	return j, nil
}

// deny logs an unauthorized attempt once per login and kind.
func (r *Registry) deny(req job.Request) {
	k := strings.ToLower(req.Initiator) + "/" + strings.ToLower(req.Kind)

	r.mu.Lock()
	_, seen := r.denied[k]
	r.denied[k] = struct{}{}
	r.mu.Unlock()

	if seen {
		return
	}
	r.diagf("Unauthorized %s request from %s", req.Kind, req.Initiator)
	r.logger.Warn("unauthorized job request",
		slog.String("initiator", req.Initiator),
		slog.String("kind", req.Kind),
	)
}

func (r *Registry) paused(ctx context.Context) bool {
	if r.cfg.Flags == nil {
		return false
	}
	on, err := FlagOn(ctx, r.cfg.Flags, FlagPauseNewJobs)
	if err != nil {
		r.logger.Warn("failed to read flag", slog.String("flag", FlagPauseNewJobs), slog.String("error", err.Error()))
	}
	return on
}

// FlagOn reports whether a boolean operator flag is set to "1" or "true".
func FlagOn(ctx context.Context, flags Flags, name string) (bool, error) {
	v, ok, err := flags.GetFlag(ctx, name)
	if err != nil {
		return false, err
	}
	return ok && (v == "1" || strings.EqualFold(v, "true")), nil
}

func (r *Registry) jobCompleted(j *job.Job) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("kind", j.Kind().Name()),
		attribute.String("outcome", string(j.Outcome())),
	)
	r.jobsCompleted.Add(ctx, 1, attrs)
	r.jobDuration.Record(ctx, j.Elapsed().Seconds(), attrs)
	r.diagf("Job %s completed: %s (%s)", j.PublicID(), j.Outcome(), j.CompletionSource())
}

func (r *Registry) remove(j *job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, key{id: j.InternalID()})
	delete(r.jobs, key{id: j.PublicID(), public: true})
	delete(r.removals, j.PublicID())
}

// TryGetJob looks a job up by its public or internal id.  An id only
// matches the slot it was asked for.
func (r *Registry) TryGetJob(id string, public bool) (*job.Job, bool) {
	r.mu.Lock()
	j, ok := r.jobs[key{id: id, public: public}]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	if public && j.PublicID() != id || !public && j.InternalID() != id {
		return nil, false
	}
	return j, true
}

// GetAllActiveJobs returns the jobs that have not completed, longest
// running first.
func (r *Registry) GetAllActiveJobs() []*job.Job {
	r.mu.Lock()
	var active []*job.Job
	for k, j := range r.jobs {
		if k.public && !j.Completed() {
			active = append(active, j)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(active, func(a, b *job.Job) int {
		return a.StartTime().Compare(b.StartTime())
	})
	return active
}

// CancelJobs fails the running jobs login asked to stop: the job with
// public id when id is set, otherwise every job requested on or tracked
// by repo#number.  Only the initiator or an admin may cancel a job, and
// the initiator is not mentioned again when it completes.
func (r *Registry) CancelJobs(login, id, repo string, number int) ([]*job.Job, error) {
	var matched []*job.Job
	for _, j := range r.GetAllActiveJobs() {
		if id != "" {
			if j.PublicID() == id {
				matched = append(matched, j)
			}
			continue
		}
		if refersTo(j, repo, number) {
			matched = append(matched, j)
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoJob
	}

	admin := r.cfg.Allow.Admin(login)
	var cancelled []*job.Job
	for _, j := range matched {
		byRequester := strings.EqualFold(login, j.Request().Initiator)
		if !byRequester && !admin {
			continue
		}
		j.FailFast(fmt.Sprintf("Job was cancelled by @%s", login), byRequester)
		cancelled = append(cancelled, j)

		r.diagf("Job %s cancelled by %s", j.PublicID(), login)
		r.logger.Info("job cancelled",
			slog.String("job", j.PublicID()),
			slog.String("login", login),
			slog.Bool("byRequester", byRequester),
		)
	}
	if len(cancelled) == 0 {
		return nil, ErrNotAuthorized
	}
	return cancelled, nil
}

// refersTo reports whether repo#number is the job's pull request or its
// tracking issue.
func refersTo(j *job.Job, repo string, number int) bool {
	req := j.Request()
	if req.PullRequest != 0 && req.PullRequest == number && strings.EqualFold(req.Repo, repo) {
		return true
	}
	issue := j.TrackingIssue()
	return issue != nil && issue.Number == number && strings.EqualFold(issue.Repo, repo)
}

// Draining reports whether Shutdown has been called.
func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// ActiveJobs returns the number of jobs that have not completed.
func (r *Registry) ActiveJobs() int {
	return len(r.GetAllActiveJobs())
}

// Len returns the number of registered jobs, completed ones included
// until retention drops them.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs) / 2
}

// Shutdown stops accepting jobs and waits for running ones.  When ctx
// expires first the remaining jobs are failed fast and ctx's error is
// returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shuttingDown = true
	for _, t := range r.removals {
		t.Stop()
	}
	r.mu.Unlock()

	active := r.GetAllActiveJobs()
	r.logger.Info("registry shutting down", slog.Int("activeJobs", len(active)))

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	for _, j := range r.GetAllActiveJobs() {
		j.FailFast("The service is shutting down", false)
	}
	r.logger.Warn("shutdown timeout reached, remaining jobs were cancelled")
	return ctx.Err()
}
