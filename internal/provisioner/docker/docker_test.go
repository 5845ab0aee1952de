package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runbot/internal/provisioner"
	"github.com/terrpan/runbot/internal/provisioner/provisionertest"
)

// ---------------------------------------------------------------------------
// Mock docker client (satisfies dockerAPI)
// ---------------------------------------------------------------------------

type mockDocker struct {
	mu sync.Mutex

	pulls    []string
	created  []*container.Config
	hostCfgs []*container.HostConfig
	started  []string
	removed  []string
	closed   bool

	createErr error
	startErr  error
	removeErr error
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls = append(m.pulls, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (m *mockDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.created = append(m.created, cfg)
	m.hostCfgs = append(m.hostCfgs, host)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !opts.Force {
		return fmt.Errorf("expected forced removal")
	}
	m.removed = append(m.removed, id)
	return m.removeErr
}

func (m *mockDocker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDocker) getRemoved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DockerProvisionerSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockDocker
	cfg    Config
}

func (s *DockerProvisionerSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = &mockDocker{}
	s.cfg = Config{
		Image: "ubuntu:24.04",
		ServerTypes: map[string]ServerType{
			"x64":      {Name: "cx32", CPUs: 4, MemoryGB: 8},
			"x64-fast": {Name: "cx52", CPUs: 16, MemoryGB: 32},
			"arm64":    {Name: "cax31", CPUs: 8, MemoryGB: 16},
		},
	}
}

func (s *DockerProvisionerSuite) newProvisioner() *Provisioner {
	return newProvisioner(s.client, s.cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDockerProvisionerSuite(t *testing.T) {
	suite.Run(t, new(DockerProvisionerSuite))
}

func (s *DockerProvisionerSuite) TestProvision_RunsUntilDone() {
	p := s.newProvisioner()
	target := provisionertest.NewTarget("job1", provisioner.Machine{Arch: provisioner.ArchX64})

	errc := make(chan error, 1)
	go func() { errc <- p.Provision(s.ctx, target, "#cloud-config") }()

	require.Eventually(s.T(), func() bool { return target.Login() != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(s.T(), "docker exec -it cid-runbot-job1 bash", target.Login())
	assert.Empty(s.T(), s.client.getRemoved())

	target.Complete()
	require.NoError(s.T(), <-errc)
	require.NoError(s.T(), p.Shutdown(s.ctx))

	assert.Equal(s.T(), []string{"cid-runbot-job1"}, s.client.getRemoved())
	assert.Equal(s.T(), []string{"ubuntu:24.04"}, s.client.pulls)
	assert.True(s.T(), s.client.closed)

	cfg := s.client.created[0]
	assert.Contains(s.T(), cfg.Env, "RUNBOT_JOB_ID=job1")
	assert.Contains(s.T(), cfg.Env, "RUNBOT_CLOUD_INIT=#cloud-config")
	assert.Equal(s.T(), int64(4e9), s.client.hostCfgs[0].NanoCPUs)
	assert.Equal(s.T(), int64(8)<<30, s.client.hostCfgs[0].Memory)
}

func (s *DockerProvisionerSuite) TestServerTypeSelection() {
	p := s.newProvisioner()

	st, err := p.serverType(provisioner.Machine{Fast: true})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "cx52", st.Name)

	// No arm64-fast row: fall back to the arch row.
	st, err = p.serverType(provisioner.Machine{Arch: provisioner.ArchArm64, Fast: true})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "cax31", st.Name)

	delete(s.cfg.ServerTypes, "arm64")
	_, err = s.newProvisioner().serverType(provisioner.Machine{Arch: provisioner.ArchArm64})
	assert.Error(s.T(), err)
}

func (s *DockerProvisionerSuite) TestProvision_StartFailureRemovesContainer() {
	s.client.startErr = fmt.Errorf("no space left on device")
	p := s.newProvisioner()
	target := provisionertest.NewTarget("job2", provisioner.Machine{})

	err := p.Provision(s.ctx, target, "")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no space left")

	require.NoError(s.T(), p.Shutdown(s.ctx))
	assert.Equal(s.T(), []string{"cid-runbot-job2"}, s.client.getRemoved())
}

func (s *DockerProvisionerSuite) TestProvision_TeardownErrorIsSwallowed() {
	s.client.removeErr = fmt.Errorf("daemon unreachable")
	p := s.newProvisioner()
	target := provisionertest.NewTarget("job3", provisioner.Machine{})
	target.Complete()

	require.NoError(s.T(), p.Provision(s.ctx, target, ""))
	p.teardowns.Wait()
	assert.Len(s.T(), s.client.getRemoved(), 1)
}
