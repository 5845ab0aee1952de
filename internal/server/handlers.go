package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terrpan/runbot/internal/job"
)

const (
	maxLogBody       = 16 << 20
	maxLogLine       = 1 << 20
	maxTelemetryBody = 64 << 10
)

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HelloResponse tells a freshly booted worker what it is running.
type HelloResponse struct {
	JobID    string            `json:"jobId"`
	Kind     string            `json:"kind"`
	Metadata map[string]string `json:"metadata"`
}

// ---------------------------------------------------------------------------
// Operator routes
// ---------------------------------------------------------------------------

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.cfg.Jobs.GetAllActiveJobs()
	out := make([]job.Summary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summarize())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if j, ok := s.cfg.Jobs.TryGetJob(id, true); ok {
		s.writeJSON(w, http.StatusOK, j.Summarize())
		return
	}

	rec, ok, err := s.completedRecord(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read job history", err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleProgress streams the job log as plain text until the job
// completes.  Jobs that already left the registry redirect to their
// archived log.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.cfg.Jobs.TryGetJob(id, true)
	if !ok {
		rec, found, err := s.completedRecord(r.Context(), id)
		switch {
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, "failed to read job history", err)
		case found && rec.LogsURL != "":
			http.Redirect(w, r, rec.LogsURL, http.StatusFound)
		default:
			s.writeError(w, http.StatusNotFound, "job not found", nil)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	for line := range j.StreamLogs(r.Context()) {
		if line == nil {
			if bw.Flush() != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		bw.WriteString(*line)
		bw.WriteByte('\n')
	}
	_ = bw.Flush()
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, ok := s.cfg.Jobs.TryGetJob(chi.URLParam(r, "id"), true)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found", nil)
		return
	}
	if j.Completed() {
		s.writeError(w, http.StatusConflict, "job has already completed", nil)
		return
	}

	j.FailFast("Job was cancelled by an operator", false)
	s.logger.Info("job cancelled by operator", slog.String("job", j.PublicID()))
	s.writeJSON(w, http.StatusAccepted, j.Summarize())
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range s.cfg.Jobs.Diagnostics().Snapshot() {
		fmt.Fprintln(w, line)
	}
}

func (s *Server) handleShortLink(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Links == nil {
		s.writeError(w, http.StatusNotFound, "short links are not enabled", nil)
		return
	}

	target, ok, err := s.cfg.Links.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to resolve link", err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown link", nil)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// FlagResponse is the body of the flag routes.
type FlagResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

func (s *Server) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Flags == nil {
		s.writeError(w, http.StatusNotFound, "flags are not enabled", nil)
		return
	}

	name := chi.URLParam(r, "name")
	v, ok, err := s.cfg.Flags.GetFlag(r.Context(), name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read flag", err)
		return
	}
	s.writeJSON(w, http.StatusOK, FlagResponse{Name: name, Value: v, Set: ok})
}

// handleSetFlag stores the request body as the flag value; an empty
// body clears the flag.
func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Flags == nil {
		s.writeError(w, http.StatusNotFound, "flags are not enabled", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4096))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "flag value too large", nil)
		return
	}
	name, value := chi.URLParam(r, "name"), strings.TrimSpace(string(body))
	if err := s.cfg.Flags.SetFlag(r.Context(), name, value); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store flag", err)
		return
	}

	s.logger.Info("operator flag changed", slog.String("flag", name), slog.String("value", value))
	s.writeJSON(w, http.StatusOK, FlagResponse{Name: name, Value: value, Set: value != ""})
}

func (s *Server) completedRecord(ctx context.Context, id string) (*job.CompletedRecord, bool, error) {
	if s.cfg.Records == nil {
		return nil, false, nil
	}
	return s.cfg.Records.TryGetCompletedJob(ctx, id)
}

// ---------------------------------------------------------------------------
// Runner routes
// ---------------------------------------------------------------------------

type jobKey struct{}

// runnerJob resolves {internalID} to a live job.  Workers only ever
// learn the internal id.
func (s *Server) runnerJob(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		j, ok := s.cfg.Jobs.TryGetJob(chi.URLParam(r, "internalID"), false)
		if !ok {
			s.writeError(w, http.StatusNotFound, "job not found", nil)
			return
		}
		if j.Completed() {
			s.writeError(w, http.StatusGone, job.ErrJobCompleted.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), jobKey{}, j)))
	})
}

func runnerJobFrom(ctx context.Context) *job.Job {
	return ctx.Value(jobKey{}).(*job.Job)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	j := runnerJobFrom(r.Context())
	j.MarkContacted()

	s.writeJSON(w, http.StatusOK, HelloResponse{
		JobID:    j.PublicID(),
		Kind:     j.Kind().Name(),
		Metadata: j.Metadata().Snapshot(),
	})
}

// handleLogs appends a newline-separated batch of lines.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	j := runnerJobFrom(r.Context())

	sc := bufio.NewScanner(http.MaxBytesReader(w, r.Body, maxLogBody))
	sc.Buffer(make([]byte, 64<<10), maxLogLine)

	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "log batch too large", err)
		return
	}

	j.Log(lines...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	j := runnerJobFrom(r.Context())

	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed artifact name", nil)
		return
	}

	a, err := j.ArtifactReceived(r.Context(), name, r.Body)
	switch {
	case errors.Is(err, job.ErrArtifactRejected):
		if s.artifactsRejected != nil {
			s.artifactsRejected.Add(r.Context(), 1)
		}
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error(), nil)
	case errors.Is(err, job.ErrInvalidArtifactName):
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, job.ErrJobCompleted):
		s.writeError(w, http.StatusGone, err.Error(), nil)
	case err != nil:
		s.writeError(w, http.StatusBadGateway, "failed to store artifact", err)
	case a == nil:
		// Consumed by the job kind.
		w.WriteHeader(http.StatusAccepted)
	default:
		s.writeJSON(w, http.StatusCreated, a)
	}
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	j := runnerJobFrom(r.Context())

	var info job.SystemInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTelemetryBody)).Decode(&info); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed telemetry", nil)
		return
	}
	j.SetTelemetry(info)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgressSummary(w http.ResponseWriter, r *http.Request) {
	j := runnerJobFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTelemetryBody))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "summary too large", nil)
		return
	}
	j.SetProgressSummary(string(body))
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		s.logger.Error("API error",
			slog.Int("status", status),
			slog.String("message", message),
			slog.String("error", err.Error()),
		)
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
