package job

import "time"

// CompletedRecord is the snapshot of a finished job kept for history.
type CompletedRecord struct {
	ExternalID       string            `json:"externalId"`
	Kind             string            `json:"kind"`
	Title            string            `json:"title"`
	Initiator        string            `json:"initiator"`
	StartTime        time.Time         `json:"startTime"`
	Duration         time.Duration     `json:"duration"`
	Outcome          Outcome           `json:"outcome"`
	CompletionSource CompletionSource  `json:"completionSource"`
	FirstError       string            `json:"firstError,omitempty"`
	TestedURL        string            `json:"testedUrl,omitempty"`
	TrackingIssueURL string            `json:"trackingIssueUrl,omitempty"`
	Metadata         map[string]string `json:"metadata"`
	Artifacts        []Artifact        `json:"artifacts"`
	LogsURL          string            `json:"logsUrl,omitempty"`
}

// CompletedRecord builds the history record of the job.
func (j *Job) CompletedRecord() *CompletedRecord {
	title := j.Title()
	meta := j.meta.Snapshot()

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := &CompletedRecord{
		ExternalID:       j.publicID,
		Kind:             j.kind.Name(),
		Title:            title,
		Initiator:        j.req.Initiator,
		StartTime:        j.startTime,
		Duration:         j.elapsedLocked(),
		Outcome:          j.outcome,
		CompletionSource: j.source,
		FirstError:       j.firstError,
		Metadata:         meta,
		Artifacts:        append([]Artifact{}, j.artifacts...),
		LogsURL:          j.logsURL,
	}
	if j.tested != nil {
		rec.TestedURL = j.tested.URL
	} else if j.testedRef.Repo != "" {
		rec.TestedURL = "https://github.com/" + j.testedRef.Repo + "/tree/" + j.testedRef.Branch
	}
	if j.issue != nil {
		rec.TrackingIssueURL = j.issue.URL
	}
	return rec
}

// Summary is the dashboard view of a job.
type Summary struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	Title            string            `json:"title"`
	Initiator        string            `json:"initiator"`
	State            State             `json:"state"`
	Outcome          Outcome           `json:"outcome,omitempty"`
	CompletionSource CompletionSource  `json:"completionSource,omitempty"`
	StartTime        time.Time         `json:"startTime"`
	Elapsed          string            `json:"elapsed"`
	FirstError       string            `json:"firstError,omitempty"`
	ProgressSummary  string            `json:"progressSummary,omitempty"`
	Telemetry        *SystemInfo       `json:"telemetry,omitempty"`
	TrackingIssueURL string            `json:"trackingIssueUrl,omitempty"`
	ProgressURL      string            `json:"progressUrl"`
	Artifacts        []Artifact        `json:"artifacts"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Summarize returns the dashboard view of the job.
func (j *Job) Summarize() Summary {
	title := j.Title()
	meta := j.meta.Snapshot()
	progress := j.ProgressURL()

	j.mu.Lock()
	defer j.mu.Unlock()

	s := Summary{
		ID:               j.publicID,
		Kind:             j.kind.Name(),
		Title:            title,
		Initiator:        j.req.Initiator,
		State:            j.state,
		Outcome:          j.outcome,
		CompletionSource: j.source,
		StartTime:        j.startTime,
		Elapsed:          j.elapsedLocked().Round(time.Second).String(),
		FirstError:       j.firstError,
		ProgressSummary:  j.summary,
		Telemetry:        j.telemetry,
		ProgressURL:      progress,
		Artifacts:        append([]Artifact{}, j.artifacts...),
		Metadata:         meta,
	}
	if j.issue != nil {
		s.TrackingIssueURL = j.issue.URL
	}
	return s
}
