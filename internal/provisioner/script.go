package provisioner

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed scripts/*.tmpl
var scriptFS embed.FS

var scripts = template.Must(template.ParseFS(scriptFS, "scripts/*.tmpl"))

// Script holds the values rendered into a worker's startup script.
type Script struct {
	// JobID is the job's internal id; the runner authenticates with it.
	JobID string

	// ControllerURL is the base URL the runner calls back into.
	ControllerURL string

	// RunnerRepo is the git URL of the runner to clone and launch.
	RunnerRepo string

	// RunnerBranch is the branch of RunnerRepo to check out.
	RunnerBranch string
}

// Render produces a cloud-init document for Linux targets or a
// PowerShell bootstrap for Windows targets.
func (s Script) Render(m Machine) (string, error) {
	if s.JobID == "" {
		return "", fmt.Errorf("script: job id is required")
	}
	if s.RunnerBranch == "" {
		s.RunnerBranch = "main"
	}

	name := "cloud-init.yaml.tmpl"
	if m.Windows() {
		name = "bootstrap.ps1.tmpl"
	}

	var buf bytes.Buffer
	if err := scripts.ExecuteTemplate(&buf, name, s); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}
