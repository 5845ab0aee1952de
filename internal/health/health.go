// Package health serves the controller's liveness endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/runbot/internal/buildinfo"
)

const (
	StatusHealthy  = "healthy"
	StatusDraining = "draining"
)

// Jobs is the registry view the endpoint reports on.
type Jobs interface {
	ActiveJobs() int
	Draining() bool
}

// Response is the /healthz body.
type Response struct {
	Status       string    `json:"status"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	Platform     string    `json:"platform"`
	Provisioners []string  `json:"provisioners"`
	ActiveJobs   int       `json:"active_jobs"`
	Uptime       string    `json:"uptime"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler reports build info, the configured provisioners and the live
// job count.  It always answers 200: a draining controller still serves
// worker callbacks, so only the status field changes.  jobs may be nil.
func Handler(provisioners []string, jobs Jobs) http.HandlerFunc {
	if provisioners == nil {
		provisioners = []string{}
	}
	started := time.Now()

	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{
			Status:       StatusHealthy,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			Platform:     runtime.GOOS + "/" + runtime.GOARCH,
			Provisioners: provisioners,
			Uptime:       time.Since(started).Round(time.Second).String(),
			Timestamp:    time.Now().UTC(),
		}
		if jobs != nil {
			resp.ActiveJobs = jobs.ActiveJobs()
			if jobs.Draining() {
				resp.Status = StatusDraining
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
