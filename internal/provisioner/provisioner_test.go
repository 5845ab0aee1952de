package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvisioner string

func (n namedProvisioner) Name() string { return string(n) }

func (n namedProvisioner) Provision(context.Context, Target, string) error { return nil }

func fullSet() *Set {
	return &Set{
		GCP:    namedProvisioner("gcp"),
		Docker: namedProvisioner("docker"),
		Queue:  namedProvisioner("queue"),
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		machine Machine
		pref    Preference
		force   bool
		want    string
	}{
		{"default is gcp", Machine{OS: OSLinux, Arch: ArchX64}, Preference{}, false, "gcp"},
		{"explicit docker", Machine{OS: OSLinux}, Preference{Docker: true}, false, "docker"},
		{"forced docker", Machine{OS: OSLinux}, Preference{}, true, "docker"},
		{"explicit queue", Machine{OS: OSLinux}, Preference{Queue: true}, false, "queue"},
		{"windows goes to queue", Machine{OS: OSWindows}, Preference{}, false, "queue"},
		{"windows beats docker", Machine{OS: OSWindows}, Preference{Docker: true}, true, "queue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := fullSet()
			s.ForceDocker = func() bool { return tt.force }

			p, err := s.Select(tt.machine, tt.pref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestSelect_NotConfigured(t *testing.T) {
	s := &Set{GCP: namedProvisioner("gcp")}

	_, err := s.Select(Machine{OS: OSWindows}, Preference{})
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, err.Error(), "queue")
}

func TestNames(t *testing.T) {
	s := &Set{GCP: namedProvisioner("gcp"), Queue: namedProvisioner("queue")}
	assert.Equal(t, []string{"gcp", "queue"}, s.Names())
}

func TestScriptRender_Linux(t *testing.T) {
	out, err := Script{
		JobID:         "job-123",
		ControllerURL: "https://runbot.example.com",
		RunnerRepo:    "https://github.com/example/runner",
	}.Render(Machine{OS: OSLinux})
	require.NoError(t, err)

	assert.Contains(t, out, "#cloud-config")
	assert.Contains(t, out, "RUNBOT_JOB_ID=job-123")
	assert.Contains(t, out, "RUNBOT_CONTROLLER_URL=https://runbot.example.com")
	assert.Contains(t, out, "--branch main https://github.com/example/runner")
}

func TestScriptRender_Windows(t *testing.T) {
	out, err := Script{
		JobID:        "job-456",
		RunnerRepo:   "https://github.com/example/runner",
		RunnerBranch: "release",
	}.Render(Machine{OS: OSWindows})
	require.NoError(t, err)

	assert.Contains(t, out, `$env:RUNBOT_JOB_ID = "job-456"`)
	assert.Contains(t, out, "--branch release")
	assert.NotContains(t, out, "#cloud-config")
}

func TestScriptRender_RequiresJobID(t *testing.T) {
	_, err := Script{}.Render(Machine{})
	assert.Error(t, err)
}
