// Package docker implements provisioner.Provisioner on a single Docker
// host.  Each job runs its cloud-init script inside a resource-limited
// container; there is no region fallback.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terrpan/runbot/internal/provisioner"
)

// ServerType is one row of the server matrix.
type ServerType struct {
	Name     string
	CPUs     float64
	MemoryGB int64
}

// Config holds Docker-specific settings.
type Config struct {
	// Host is the daemon address (e.g. "tcp://build-host:2376").  Empty
	// means the environment (DOCKER_HOST) decides.
	Host string

	// Image is the container image jobs run in.
	// Default: "ubuntu:24.04"
	Image string

	// ServerTypes maps "<arch>" and "<arch>-fast" to a server type.
	ServerTypes map[string]ServerType

	// PullIdleExtension keeps the job's idle timer quiet while the image
	// is pulled.  Default: 10m.
	PullIdleExtension time.Duration
}

// dockerAPI is the subset of *dockerclient.Client the provisioner uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Provisioner runs jobs as containers on a Docker host.
type Provisioner struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]string // job id -> container id
	teardowns  sync.WaitGroup
}

// Compile-time check that Provisioner satisfies provisioner.Provisioner.
var _ provisioner.Provisioner = (*Provisioner)(nil)

// New connects to the Docker daemon.
func New(cfg Config, logger *slog.Logger) (*Provisioner, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}

	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	p := newProvisioner(client, cfg, logger)
	logger.Info("docker provisioner initialized",
		slog.String("host", client.DaemonHost()),
		slog.String("image", p.cfg.Image),
	)
	return p, nil
}

func newProvisioner(client dockerAPI, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.Image == "" {
		cfg.Image = "ubuntu:24.04"
	}
	if cfg.PullIdleExtension == 0 {
		cfg.PullIdleExtension = 10 * time.Minute
	}
	return &Provisioner{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]string),
	}
}

// Name implements provisioner.Provisioner.
func (p *Provisioner) Name() string { return "docker" }

// Provision starts a container running script, blocks until the job
// completes and then force-removes the container in the background.
func (p *Provisioner) Provision(ctx context.Context, t provisioner.Target, script string) error {
	st, err := p.serverType(t.Machine())
	if err != nil {
		return err
	}

	name := "runbot-" + t.InternalID()
	t.Logf("Selected server type %s (%.0f CPUs, %d GB)", st.Name, st.CPUs, st.MemoryGB)

	t.ExtendIdleTimeout(p.cfg.PullIdleExtension)
	if err := p.pull(ctx); err != nil {
		return err
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: p.cfg.Image,
			Cmd:   []string{"bash", "-c", bootstrapCommand},
			Env: []string{
				"RUNBOT_JOB_ID=" + t.InternalID(),
				"RUNBOT_CLOUD_INIT=" + script,
			},
			Labels: map[string]string{"managed-by": "runbot"},
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: int64(st.CPUs * 1e9),
				Memory:   st.MemoryGB << 30,
			},
		},
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return fmt.Errorf("container create %s: %w", name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.teardown(t, resp.ID)
		return fmt.Errorf("container start %s: %w", name, err)
	}

	p.mu.Lock()
	p.containers[t.InternalID()] = resp.ID
	p.mu.Unlock()

	defer p.teardown(t, resp.ID)

	t.SetRemoteLogin(fmt.Sprintf("docker exec -it %s bash", resp.ID))
	t.Logf("Container %s started", name)
	p.logger.Info("job container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
		slog.String("serverType", st.Name),
	)

	select {
	case <-t.Done():
	case <-ctx.Done():
	}
	return nil
}

// Shutdown waits for in-flight teardowns, removes any container still
// tracked and closes the client.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	p.teardowns.Wait()

	p.mu.Lock()
	snapshot := make(map[string]string, len(p.containers))
	for k, v := range p.containers {
		snapshot[k] = v
	}
	p.mu.Unlock()

	var firstErr error
	for jobID, id := range snapshot {
		p.logger.Info("shutdown: removing job container",
			slog.String("jobID", jobID),
			slog.String("containerID", id),
		)
		if err := p.remove(ctx, id); err != nil {
			p.logger.Error("shutdown: failed to remove job container",
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := p.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// bootstrapCommand feeds the cloud-init document's runcmd section to
// bash; containers have no cloud-init agent.
const bootstrapCommand = `set -e
apt-get update -qq && apt-get install -y -qq git curl build-essential python3-yaml >/dev/null
printf '%s' "$RUNBOT_CLOUD_INIT" > /tmp/cloud-init.yaml
python3 - <<'PY' > /tmp/bootstrap.sh
import yaml
doc = yaml.safe_load(open("/tmp/cloud-init.yaml"))
for f in doc.get("write_files", []):
    import os
    os.makedirs(os.path.dirname(f["path"]), exist_ok=True)
    open(f["path"], "w").write(f["content"])
for cmd in doc.get("runcmd", []):
    print(cmd if isinstance(cmd, str) else " ".join(cmd))
PY
bash -e /tmp/bootstrap.sh`

func (p *Provisioner) serverType(m provisioner.Machine) (ServerType, error) {
	arch := m.Arch
	if arch == "" {
		arch = provisioner.ArchX64
	}
	key := arch
	if m.Fast {
		key += "-fast"
	}

	if st, ok := p.cfg.ServerTypes[key]; ok {
		return st, nil
	}
	if st, ok := p.cfg.ServerTypes[arch]; ok {
		return st, nil
	}
	return ServerType{}, fmt.Errorf("no docker server type configured for %s", key)
}

func (p *Provisioner) pull(ctx context.Context) error {
	rc, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", p.cfg.Image, err)
	}
	defer rc.Close()

	// Drain the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	return nil
}

// teardown force-removes the container on a detached goroutine.
func (p *Provisioner) teardown(t provisioner.Target, id string) {
	t.Logf("Removing container %s", id)

	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := p.remove(ctx, id); err != nil {
			p.logger.Error("failed to remove job container",
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			return
		}

		p.mu.Lock()
		for jobID, cid := range p.containers {
			if cid == id {
				delete(p.containers, jobID)
				break
			}
		}
		p.mu.Unlock()
	}()
}

func (p *Provisioner) remove(ctx context.Context, id string) error {
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}
