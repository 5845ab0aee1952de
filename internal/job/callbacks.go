package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
)

var (
	// ErrJobCompleted is returned by callbacks arriving after completion.
	ErrJobCompleted = errors.New("job has already completed")

	// ErrArtifactRejected is returned when an artifact would exceed the
	// per-job count or size ceiling.
	ErrArtifactRejected = errors.New("artifact rejected")

	// ErrInvalidArtifactName is returned for names that are empty or reserved.
	ErrInvalidArtifactName = errors.New("invalid artifact name")
)

// Log stores lines coming from the remote worker.  It counts as
// activity for the idle timeout.  The first line carrying ErrorMarker
// becomes the job's headline error.
func (j *Job) Log(lines ...string) {
	if len(lines) == 0 {
		return
	}

	var remoteErr string
	for _, l := range lines {
		if rest, ok := strings.CutPrefix(l, ErrorMarker); ok {
			remoteErr = strings.TrimSpace(rest)
			break
		}
	}

	j.mu.Lock()
	if j.completed {
		j.mu.Unlock()
		return
	}
	j.log.AddLines(lines...)
	if deadline := time.Now().Add(j.deps.Settings.IdleTimeout); deadline.After(j.idleDeadline) {
		j.idleDeadline = deadline
	}
	if j.state == StateProvisioning {
		j.state = StateRunning
	}

	postComment := false
	if remoteErr != "" && j.firstError == "" {
		j.firstError = remoteErr
		if j.kind.PostErrorAsComment() && !j.errorCommented && j.tested != nil {
			j.errorCommented = true
			postComment = true
		}
	}
	tested := j.tested
	j.mu.Unlock()

	if postComment {
		go j.commentError(tested, remoteErr)
	}
}

// commentError echoes the first remote error on the pull request.
func (j *Job) commentError(pr *PullRequest, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	body := fmt.Sprintf("Job [%s](%s) reported an error:\n```\n%s\n```", j.publicID, j.ProgressURL(), msg)
	if err := j.deps.GitHub.CreateComment(ctx, pr.Repo, pr.Number, body); err != nil {
		j.logger.Warn("failed to post error comment", slog.String("error", err.Error()))
	}
}

// MarkContacted records the worker's first call and the provisioning
// delay it implies.
func (j *Job) MarkContacted() {
	j.mu.Lock()
	if j.completed || !j.contactedAt.IsZero() {
		j.mu.Unlock()
		return
	}
	j.contactedAt = time.Now().UTC()
	delay := j.contactedAt.Sub(j.startTime)
	j.state = StateRunning
	j.mu.Unlock()

	j.touch(j.deps.Settings.IdleTimeout)
	j.meta.Set("ProvisioningDelay", delay.Round(time.Second).String())
	j.Logf("Remote worker connected after %s", delay.Round(time.Second))
}

// ContactedAt returns when the worker first called in.
func (j *Job) ContactedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.contactedAt
}

// SetTelemetry stores the latest hardware snapshot.
func (j *Job) SetTelemetry(info SystemInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		j.telemetry = &info
	}
}

// SetProgressSummary stores a short status line for dashboards.
func (j *Job) SetProgressSummary(summary string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.completed {
		j.summary = truncate(strings.TrimSpace(summary), 200)
	}
}

// ArtifactReceived uploads a named artifact stream.  The count ceiling
// is reserved before the upload and the size ceiling checked after it;
// an artifact that does not fit is deleted again and never recorded.
// It returns nil, nil when the kind consumed the artifact itself.
func (j *Job) ArtifactReceived(ctx context.Context, name string, body io.Reader) (*Artifact, error) {
	name, err := cleanArtifactName(name)
	if err != nil {
		return nil, err
	}
	if j.Completed() {
		return nil, ErrJobCompleted
	}
	j.touch(j.deps.Settings.IdleTimeout)

	handled, err := j.kind.InterceptArtifact(ctx, j, name, body)
	if err != nil {
		return nil, fmt.Errorf("processing %s: %w", name, err)
	}
	if handled {
		return nil, nil
	}

	limits := j.deps.Settings
	j.mu.Lock()
	if j.artifactSlots >= limits.MaxArtifacts {
		j.mu.Unlock()
		j.rejectArtifact(name, fmt.Sprintf("more than %d artifacts", limits.MaxArtifacts))
		return nil, ErrArtifactRejected
	}
	j.artifactSlots++
	j.mu.Unlock()

	key := j.artifactKey(name)
	url, size, err := j.deps.Blobs.Upload(ctx, key, body)
	if err != nil {
		j.releaseSlot()
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	if j.deps.Shortener != nil {
		if short, err := j.deps.Shortener.Shorten(ctx, url); err != nil {
			j.logger.Warn("failed to shorten artifact url", slog.String("artifact", name), slog.String("error", err.Error()))
		} else {
			url = short
		}
	}

	j.mu.Lock()
	if j.completed || j.artifactBytes+size > limits.MaxArtifactBytes {
		j.artifactSlots--
		total := j.artifactBytes
		j.mu.Unlock()

		j.deleteBlob(key)
		j.rejectArtifact(name, fmt.Sprintf("%d bytes would exceed the %d byte ceiling (%d used)", size, limits.MaxArtifactBytes, total))
		return nil, ErrArtifactRejected
	}
	j.artifactBytes += size
	a := Artifact{Name: name, URL: url, Size: size}
	j.artifacts = append(j.artifacts, a)
	j.log.AddLines(fmt.Sprintf("Received artifact %s (%d bytes)", name, size))
	j.mu.Unlock()

	return &a, nil
}

func (j *Job) releaseSlot() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifactSlots--
}

func (j *Job) rejectArtifact(name, reason string) {
	j.logger.Warn("artifact rejected", slog.String("artifact", name), slog.String("reason", reason))
	j.Logf("Artifact %s rejected: %s", name, reason)
}

// deleteBlob removes an uploaded blob; failures are only logged.
func (j *Job) deleteBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := j.deps.Blobs.Delete(ctx, key); err != nil {
		j.logger.Warn("failed to delete rejected artifact", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func cleanArtifactName(name string) (string, error) {
	name = path.Base(path.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "logs.txt" {
		return "", fmt.Errorf("%w %q", ErrInvalidArtifactName, name)
	}
	return name, nil
}
