package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runbot/internal/provisioner"
)

// finalizeTimeout bounds the bookkeeping done after completion.
const finalizeTimeout = 5 * time.Minute

// Run drives the job through its lifecycle.  It never returns an error:
// failures end up in the job's log, its first error and the final
// tracking-issue body.  opts are applied to the job.Run span.
func (j *Job) Run(ctx context.Context, opts ...trace.SpanStartOption) {
	opts = append(opts, trace.WithAttributes(
		attribute.String("job.id", j.publicID),
		attribute.String("job.kind", j.kind.Name()),
	))
	ctx, span := j.tracer.Start(ctx, "job.Run", opts...)
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	j.startTimers()
	j.logger.Info("job started",
		slog.String("initiator", j.req.Initiator),
		slog.String("arguments", j.req.Arguments),
	)

	j.setState(StateInitializing)
	initErr := j.initialize(ctx)
	if initErr != nil {
		j.recordFailure(fmt.Errorf("initialization failed: %w", initErr))
	}

	if !j.opts.NoTrackingIssue {
		if err := j.createTrackingIssue(ctx); err != nil {
			j.logger.Warn("failed to create tracking issue", slog.String("error", err.Error()))
			j.Logf("Failed to create tracking issue: %v", err)
		}
	}

	if initErr == nil {
		j.execute(ctx)
	}

	j.complete(SourceFinished)

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()
	j.finalize(fctx)

	if j.Outcome() != OutcomeSuccess {
		span.SetStatus(codes.Error, j.FirstError())
	}
	span.SetAttributes(
		attribute.String("job.outcome", string(j.Outcome())),
		attribute.String("job.completion_source", string(j.CompletionSource())),
	)
}

// initialize resolves what is being tested plus the -dependsOn and
// -combineWith refs, then runs the kind's own setup.
func (j *Job) initialize(ctx context.Context) error {
	gh := j.deps.GitHub

	if j.req.PullRequest > 0 {
		pr, err := gh.GetPullRequest(ctx, j.req.Repo, j.req.PullRequest)
		if err != nil {
			return fmt.Errorf("resolving %s#%d: %w", j.req.Repo, j.req.PullRequest, err)
		}

		j.mu.Lock()
		j.tested = pr
		j.testedRef = pr.Head
		j.mu.Unlock()

		j.meta.Set(MetaPullRequest, pr.URL)
		j.meta.Set(MetaPrRepo, pr.Head.Repo)
		j.meta.Set(MetaPrBranch, pr.Head.Branch)
		j.meta.Set(MetaBaseRepo, pr.Base.Repo)
		j.meta.Set(MetaBaseBranch, pr.Base.Branch)
	} else {
		repo := j.req.Repo
		if repo == "" {
			repo = j.deps.Settings.DefaultRepo
		}
		ref, err := gh.GetBranch(ctx, repo, "main")
		if err != nil {
			return fmt.Errorf("resolving default branch of %s: %w", repo, err)
		}

		j.mu.Lock()
		j.testedRef = ref
		j.mu.Unlock()

		j.meta.Set(MetaPrRepo, ref.Repo)
		j.meta.Set(MetaPrBranch, ref.Branch)
		j.meta.Set(MetaBaseRepo, ref.Repo)
		j.meta.Set(MetaBaseBranch, ref.Branch)
	}

	dependsOn, err := j.resolveRefs(ctx, j.opts.DependsOn)
	if err != nil {
		return fmt.Errorf("-dependsOn: %w", err)
	}
	combineWith, err := j.resolveRefs(ctx, j.opts.CombineWith)
	if err != nil {
		return fmt.Errorf("-combineWith: %w", err)
	}
	if len(dependsOn) > 0 {
		j.meta.Set(MetaDependsOn, joinRefs(dependsOn))
	}
	if len(combineWith) > 0 {
		j.meta.Set(MetaCombineWith, joinRefs(combineWith))
	}

	if err := j.kind.Initialize(ctx, j); err != nil {
		return err
	}

	j.meta.Set(MetaMaxEndTime, j.startTime.Add(j.maxDuration).Format(time.RFC3339))
	return nil
}

// resolveRefs turns PR numbers and branch names into concrete branches.
func (j *Job) resolveRefs(ctx context.Context, specs []string) ([]Ref, error) {
	var refs []Ref
	for _, s := range specs {
		target, err := ParseRef(s, j.defaultRepo())
		if err != nil {
			return nil, err
		}

		if target.IsPullRequest() {
			pr, err := j.deps.GitHub.GetPullRequest(ctx, target.Repo, target.Number)
			if err != nil {
				return nil, fmt.Errorf("resolving %s#%d: %w", target.Repo, target.Number, err)
			}
			refs = append(refs, pr.Head)
			continue
		}

		ref, err := j.deps.GitHub.GetBranch(ctx, target.Repo, target.Branch)
		if err != nil {
			return nil, fmt.Errorf("resolving branch %s in %s: %w", target.Branch, target.Repo, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (j *Job) defaultRepo() string {
	if j.req.Repo != "" {
		return j.req.Repo
	}
	return j.deps.Settings.DefaultRepo
}

func joinRefs(refs []Ref) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// execute runs the kind's core.  A panic is logged in full and recorded
// as a failure like any returned error.
func (j *Job) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.recordFailure(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	if err := j.kind.RunCore(ctx, j); err != nil {
		j.recordFailure(err)
	}
}

// Provision hands the job to the selected provisioner and blocks until
// the job has completed.  It is the default RunCore.
func (j *Job) Provision(ctx context.Context) error {
	if j.Completed() {
		return nil
	}
	j.setState(StateProvisioning)

	p, err := j.deps.Provisioners.Select(j.opts.Machine, j.opts.Preference)
	if err != nil {
		return err
	}
	j.meta.Set(MetaProvisioner, p.Name())

	script, err := provisioner.Script{
		JobID:         j.internalID,
		ControllerURL: j.deps.Settings.ControllerURL,
		RunnerRepo:    j.deps.Settings.RunnerRepo,
		RunnerBranch:  j.deps.Settings.RunnerBranch,
	}.Render(j.opts.Machine)
	if err != nil {
		return err
	}

	j.Logf("Provisioning %s %s worker via %s", j.opts.Machine.OS, j.opts.Machine.Arch, p.Name())
	if err := p.Provision(ctx, j, script); err != nil {
		return fmt.Errorf("%s provisioning: %w", p.Name(), err)
	}
	return nil
}

// recordFailure logs err in full and makes it the first error if none
// was captured yet.  It also lands in the final issue body.
func (j *Job) recordFailure(err error) {
	msg := err.Error()
	j.logger.Error("job failure", slog.String("error", msg))

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		j.log.AddLines(strings.Split("Job failure: "+msg, "\n")...)
	}
	if j.firstError == "" {
		j.firstError = firstLine(msg)
	}
	j.failures = append(j.failures, msg)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// startTimers arms the idle and duration timeouts.
func (j *Job) startTimers() {
	idle := j.deps.Settings.IdleTimeout

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed {
		return
	}

	j.idleDeadline = time.Now().Add(idle)
	j.idleTimer = time.AfterFunc(idle, j.checkIdle)
	j.durationTimer = time.AfterFunc(j.maxDuration, func() {
		j.timeout(SourceDurationTimeout, fmt.Sprintf("Job exceeded the maximum duration of %s", j.maxDuration))
	})
}

// checkIdle fires the idle timeout or re-arms itself when activity
// moved the deadline.
func (j *Job) checkIdle() {
	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return
	}
	if remaining := time.Until(j.idleDeadline); remaining > 0 {
		j.idleTimer.Reset(remaining)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	j.timeout(SourceIdleTimeout, fmt.Sprintf("Job timed out after %s without activity", j.deps.Settings.IdleTimeout))
}

// touch pushes the idle deadline to at least now+d.
func (j *Job) touch(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if deadline := time.Now().Add(d); deadline.After(j.idleDeadline) {
		j.idleDeadline = deadline
	}
}

// ExtendIdleTimeout implements provisioner.Target.
func (j *Job) ExtendIdleTimeout(d time.Duration) {
	j.touch(d)
}

// ExpireIdleTimeout implements provisioner.Target.
func (j *Job) ExpireIdleTimeout(reason string) {
	j.timeout(SourceIdleTimeout, reason)
}

// FailFast cancels the job.  byRequester suppresses the completion
// mention, since the requester already knows.
func (j *Job) FailFast(reason string, byRequester bool) {
	if reason == "" {
		reason = "Job was cancelled"
	}

	j.mu.Lock()
	if !j.completed && byRequester {
		j.quietMention = true
	}
	j.mu.Unlock()

	j.timeout(SourceFailFast, reason)
}

func (j *Job) timeout(source CompletionSource, reason string) {
	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return
	}
	if j.firstError == "" {
		j.firstError = reason
	}
	j.log.AddLines(reason)
	j.mu.Unlock()

	j.logger.Warn("job stopped", slog.String("source", string(source)), slog.String("reason", reason))
	j.complete(source)
}

// complete fires the completion signal.  Only the first call has any
// effect; it reports whether this call was the one.
func (j *Job) complete(source CompletionSource) bool {
	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return false
	}

	j.completed = true
	j.source = source
	j.endTime = time.Now().UTC()
	j.state = StateFinalizing
	switch {
	case source == SourceFailFast:
		j.outcome = OutcomeCancelled
	case j.firstError != "":
		j.outcome = OutcomeFailed
	default:
		j.outcome = OutcomeSuccess
	}
	j.log.AddLines(fmt.Sprintf("Job completed after %s (%s)", j.elapsedLocked().Round(time.Second), source))

	if j.idleTimer != nil {
		j.idleTimer.Stop()
	}
	if j.durationTimer != nil {
		j.durationTimer.Stop()
	}
	cancel := j.cancel
	j.mu.Unlock()

	close(j.done)
	if cancel != nil {
		cancel(fmt.Errorf("job completed: %s", source))
	}
	return true
}

// createTrackingIssue opens the issue that reflects the job's status.
func (j *Job) createTrackingIssue(ctx context.Context) error {
	issue, err := j.deps.GitHub.CreateIssue(ctx, j.Title(), j.initialIssueBody())
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.issue = issue
	if !j.completed {
		j.state = StateTrackingIssueCreated
	}
	j.mu.Unlock()

	j.Logf("Tracking issue: %s", issue.URL)
	return nil
}

func (j *Job) initialIssueBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job is in progress - see the [live progress](%s).\n\n", j.ProgressURL())
	b.WriteString(j.testedLine())
	if j.req.Initiator != "" {
		fmt.Fprintf(&b, "Requested by @%s", j.req.Initiator)
		if j.req.Arguments != "" {
			fmt.Fprintf(&b, ": `%s`", j.req.Arguments)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (j *Job) testedLine() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch {
	case j.tested != nil:
		return fmt.Sprintf("Testing [%s#%d](%s) %s\n\n", j.tested.Repo, j.tested.Number, j.tested.URL, j.tested.Title)
	case j.testedRef.Repo != "":
		return fmt.Sprintf("Testing `%s`\n\n", j.testedRef)
	default:
		return ""
	}
}

// FinalIssueBody renders the body written once the job has completed.
func (j *Job) FinalIssueBody() string {
	var b strings.Builder

	j.mu.Lock()
	elapsed := j.elapsedLocked().Round(time.Second)
	firstError := j.firstError
	failures := append([]string(nil), j.failures...)
	artifacts := append([]Artifact(nil), j.artifacts...)
	logsURL := j.logsURL
	outcome := j.outcome
	j.mu.Unlock()

	fmt.Fprintf(&b, "Job completed in %s (%s).\n\n", elapsed, outcome)
	if logsURL != "" {
		fmt.Fprintf(&b, "[Full logs](%s)\n\n", logsURL)
	}
	b.WriteString(j.testedLine())

	if firstError != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", firstError)
	}
	for _, f := range failures {
		if f == firstError {
			continue
		}
		fmt.Fprintf(&b, "```\n%s\n```\n\n", f)
	}

	if len(artifacts) > 0 {
		b.WriteString("Artifacts:\n")
		for _, a := range artifacts {
			fmt.Fprintf(&b, "- [%s](%s) (%s)\n", a.Name, a.URL, humanize.IBytes(uint64(a.Size)))
		}
	}
	return b.String()
}

// finalize does the bookkeeping after completion.  Each step is
// independent; failures are logged and collected, never returned.
func (j *Job) finalize(ctx context.Context) {
	var errs []error

	if url, err := j.uploadLogs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("uploading logs: %w", err))
	} else {
		j.mu.Lock()
		j.logsURL = url
		j.mu.Unlock()
	}

	issue := j.TrackingIssue()
	if issue != nil {
		if err := j.deps.GitHub.UpdateIssue(ctx, issue, j.FinalIssueBody()); err != nil {
			errs = append(errs, fmt.Errorf("updating tracking issue: %w", err))
		}
	}

	if j.deps.Records != nil {
		if err := j.deps.Records.SaveCompletedJob(ctx, j.CompletedRecord()); err != nil {
			errs = append(errs, fmt.Errorf("saving completed record: %w", err))
		}
	}

	j.mu.Lock()
	quiet := j.quietMention
	outcome := j.outcome
	j.mu.Unlock()

	if issue != nil && j.deps.Settings.MentionRequester && !quiet && j.req.Initiator != "" {
		body := fmt.Sprintf("@%s the job has completed: %s.", j.req.Initiator, outcome)
		if err := j.deps.GitHub.CreateComment(ctx, issue.Repo, issue.Number, body); err != nil {
			errs = append(errs, fmt.Errorf("mentioning requester: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		j.logger.Error("job bookkeeping failed", slog.String("error", err.Error()))
	}

	j.mu.Lock()
	j.state = StateCompleted
	j.mu.Unlock()

	j.logger.Info("job completed",
		slog.String("outcome", string(outcome)),
		slog.String("source", string(j.CompletionSource())),
		slog.Duration("elapsed", j.Elapsed()),
	)

	if j.deps.OnCompleted != nil {
		j.deps.OnCompleted(j)
	}
}

// uploadLogs archives the whole rolling log as logs.txt.
func (j *Job) uploadLogs(ctx context.Context) (string, error) {
	body := strings.Join(j.log.Snapshot(), "\n")
	url, _, err := j.deps.Blobs.Upload(ctx, j.artifactKey("logs.txt"), strings.NewReader(body))
	return url, err
}
