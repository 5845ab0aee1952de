package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runbot/internal/provisioner"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config that passes Validate() with the
// Docker provisioner enabled.
func validConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Token:     "ghp_test_token",
			IssueRepo: "runbot/jobs",
		},
		Bot: BotConfig{
			Repos: []string{"dotnet/runtime"},
		},
		Jobs: JobsConfig{
			PublicBaseURL: "https://runbot.example.com",
			RunnerRepo:    "runbot/runner",
		},
		Provisioners: ProvisionersConfig{
			Docker: DockerProvisionerConfig{Enable: true},
		},
		Storage: StorageConfig{Bucket: "runbot-artifacts"},
	}
}

// validGCPConfig returns a minimal Config with GCP enabled.
func validGCPConfig() *Config {
	cfg := validConfig()
	cfg.Provisioners = ProvisionersConfig{
		GCP: GCPProvisionerConfig{
			Enable:  true,
			Project: "my-project",
			Zones:   []string{"us-central1-a"},
			Image:   "projects/my-project/global/images/runner",
		},
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidDockerConfig() {
	require.NoError(s.T(), validConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_ValidGCPConfig() {
	require.NoError(s.T(), validGCPConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_TokenPath() {
	cfg := validConfig()
	cfg.GitHub.Token = ""
	cfg.GitHub.TokenPath = "/run/secrets/github"
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// GitHub and bot validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingCredentials() {
	cfg := validConfig()
	cfg.GitHub.Token = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no credentials")
}

func (s *ConfigValidationSuite) TestValidate_InvalidIssueRepo() {
	for _, repo := range []string{"", "runbot", "/jobs", "a/b/c"} {
		cfg := validConfig()
		cfg.GitHub.IssueRepo = repo
		err := cfg.Validate()
		require.Error(s.T(), err, repo)
		assert.Contains(s.T(), err.Error(), "github.issue_repo")
	}
}

func (s *ConfigValidationSuite) TestValidate_MissingRepos() {
	cfg := validConfig()
	cfg.Bot.Repos = nil
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "bot.repos")
}

func (s *ConfigValidationSuite) TestValidate_InvalidRepo() {
	cfg := validConfig()
	cfg.Bot.Repos = []string{"dotnet/runtime", "runtime"}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "bot.repos[1]")
}

// ---------------------------------------------------------------------------
// Jobs validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidPublicURL() {
	cfg := validConfig()
	cfg.Jobs.PublicBaseURL = "not a url"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "jobs.public_base_url")
}

func (s *ConfigValidationSuite) TestValidate_MissingRunnerRepo() {
	cfg := validConfig()
	cfg.Jobs.RunnerRepo = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "jobs.runner_repo")
}

func (s *ConfigValidationSuite) TestValidate_NoTimeLimitShorterThanMax() {
	cfg := validConfig()
	cfg.Jobs.MaxDuration = 5 * time.Hour
	cfg.Jobs.NoTimeLimitDuration = time.Hour
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no_time_limit_duration")
}

func (s *ConfigValidationSuite) TestValidate_UnknownKindInAuthorization() {
	cfg := validConfig()
	cfg.Authorization.Users = map[string][]string{"alice": {"fuzz", "deploy"}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), `"deploy"`)

	cfg.Authorization.Users = map[string][]string{"alice": {"fuzz", "*"}}
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_MissingBucket() {
	cfg := validConfig()
	cfg.Storage.Bucket = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "storage.bucket")
}

// ---------------------------------------------------------------------------
// Provisioner validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_NoProvisionerEnabled() {
	cfg := validConfig()
	cfg.Provisioners.Docker.Enable = false
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "no provisioner enabled")
}

func (s *ConfigValidationSuite) TestValidate_MultipleProvisionersEnabled() {
	cfg := validGCPConfig()
	cfg.Provisioners.Docker.Enable = true
	cfg.Provisioners.Queue = QueueProvisionerConfig{Enable: true, BaseURL: "https://queue.example.com"}
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingProject() {
	cfg := validGCPConfig()
	cfg.Provisioners.GCP.Project = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioners.gcp.project")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingZones() {
	cfg := validGCPConfig()
	cfg.Provisioners.GCP.Zones = nil
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioners.gcp.zones")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingImage() {
	cfg := validGCPConfig()
	cfg.Provisioners.GCP.Image = ""
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioners.gcp.image")
}

func (s *ConfigValidationSuite) TestValidate_GCP_BadSize() {
	cfg := validGCPConfig()
	cfg.Provisioners.GCP.Sizes = []GCPSize{{Arch: "riscv", Family: "x", Cores: 4}}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "sizes[0].arch")

	cfg.Provisioners.GCP.Sizes = []GCPSize{{Arch: provisioner.ArchX64, Family: "n2-standard"}}
	err = cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "positive core count")
}

func (s *ConfigValidationSuite) TestValidate_Queue_InvalidURL() {
	cfg := validConfig()
	cfg.Provisioners.Queue = QueueProvisionerConfig{Enable: true, BaseURL: "queue"}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "provisioners.queue.base_url")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{
		Bot:  BotConfig{Repos: []string{"dotnet/runtime", "dotnet/aspnetcore"}},
		Jobs: JobsConfig{PublicBaseURL: "https://runbot.example.com"},
	}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "runbot", cfg.Bot.Name)
	assert.Equal(s.T(), "https://runbot.example.com", cfg.Jobs.ControllerURL)
	assert.Equal(s.T(), "dotnet/runtime", cfg.Jobs.DefaultRepo)
	assert.Equal(s.T(), 48*time.Hour, cfg.Jobs.Retention)
	assert.Len(s.T(), cfg.Provisioners.GCP.Sizes, 3)
	require.NotNil(s.T(), cfg.Provisioners.GCP.PublicIP)
	assert.True(s.T(), *cfg.Provisioners.GCP.PublicIP)
	assert.Equal(s.T(), "runbot.db", cfg.Store.Path)
	assert.Equal(s.T(), ":8080", cfg.Server.Addr)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	require.NotNil(s.T(), cfg.OTel.Prometheus)
	assert.True(s.T(), *cfg.OTel.Prometheus)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	off := false
	cfg := &Config{
		Jobs: JobsConfig{
			PublicBaseURL: "https://runbot.example.com",
			ControllerURL: "http://10.0.0.2:8080",
		},
		Provisioners: ProvisionersConfig{GCP: GCPProvisionerConfig{PublicIP: &off}},
		OTel:         OTelConfig{Prometheus: &off},
	}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "http://10.0.0.2:8080", cfg.Jobs.ControllerURL)
	assert.False(s.T(), *cfg.Provisioners.GCP.PublicIP)
	assert.False(s.T(), cfg.OTelSettings().Prometheus)
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestJobSettings() {
	cfg := validConfig()
	cfg.Jobs.PublicBaseURL = "https://runbot.example.com/"
	cfg.Jobs.IdleTimeout = 5 * time.Minute
	cfg.Jobs.MaxArtifacts = 3
	cfg.Jobs.KnownFuzzers = []string{"JsonFuzzer"}
	require.NoError(s.T(), cfg.Validate())

	js := cfg.JobSettings()
	assert.Equal(s.T(), 5*time.Minute, js.IdleTimeout)
	assert.Equal(s.T(), 3, js.MaxArtifacts)
	assert.Equal(s.T(), "https://runbot.example.com", js.PublicBaseURL)
	assert.Equal(s.T(), "https://runbot.example.com", js.ControllerURL)
	assert.Equal(s.T(), "dotnet/runtime", js.DefaultRepo)
	assert.Equal(s.T(), "runbot/runner", js.RunnerRepo)
	assert.Equal(s.T(), []string{"JsonFuzzer"}, js.KnownFuzzers)

	// Unset limits keep the built-in defaults.
	assert.Equal(s.T(), int64(16<<30), js.MaxArtifactBytes)
	assert.Equal(s.T(), "main", js.RunnerBranch)
}

func (s *ConfigValidationSuite) TestAllowListAndPoller() {
	cfg := validConfig()
	cfg.Authorization = AuthorizationConfig{
		Admins: []string{"alice"},
		Users:  map[string][]string{"bob": {"fuzz"}},
	}
	cfg.Bot.PollInterval = time.Minute
	require.NoError(s.T(), cfg.Validate())

	allow := cfg.AllowList()
	assert.True(s.T(), allow.Allowed("Alice", "merge"))
	assert.True(s.T(), allow.Allowed("bob", "fuzz"))
	assert.False(s.T(), allow.Allowed("bob", "merge"))

	pc := cfg.PollerConfig(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(s.T(), "runbot", pc.BotName)
	assert.Equal(s.T(), []string{"dotnet/runtime"}, pc.Repos)
	assert.Equal(s.T(), time.Minute, pc.Interval)
	assert.NotNil(s.T(), pc.Logger)
}

func (s *ConfigValidationSuite) TestSlogLevel() {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{Logging: LoggingConfig{Level: in}}
		assert.Equal(s.T(), want, cfg.slogLevel(), in)
	}
}

// ---------------------------------------------------------------------------
// Loading and factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "runbot.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(`
github:
  token: ghp_x
  issue_repo: runbot/jobs
bot:
  name: RunBot
  repos: [dotnet/runtime]
  poll_interval: 45s
jobs:
  public_base_url: https://runbot.example.com
  runner_repo: runbot/runner
  idle_timeout: 10m
authorization:
  admins: [alice]
  users:
    bob: [fuzz, benchmark]
provisioners:
  gcp:
    enable: true
    project: p
    zones: [us-central1-a, us-central1-b]
    image: img
    public_ip: false
  queue:
    enable: true
    base_url: https://queue.example.com
    queues:
      windows: windows.amd64.open
storage:
  bucket: artifacts
otel:
  prometheus: false
  sample_ratio: 0.25
`), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), "RunBot", cfg.Bot.Name)
	assert.Equal(s.T(), 45*time.Second, cfg.Bot.PollInterval)
	assert.Equal(s.T(), 10*time.Minute, cfg.Jobs.IdleTimeout)
	assert.Equal(s.T(), []string{"fuzz", "benchmark"}, cfg.Authorization.Users["bob"])
	assert.Equal(s.T(), []string{"us-central1-a", "us-central1-b"}, cfg.Provisioners.GCP.Zones)
	assert.False(s.T(), *cfg.Provisioners.GCP.PublicIP)
	assert.Equal(s.T(), "windows.amd64.open", cfg.Provisioners.Queue.Queues["windows"])

	ot := cfg.OTelSettings()
	assert.False(s.T(), ot.Prometheus)
	assert.InDelta(s.T(), 0.25, ot.SampleRatio, 1e-9)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "runbot.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("bot: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

func (s *ConfigValidationSuite) TestResolveToken() {
	path := filepath.Join(s.T().TempDir(), "token")
	require.NoError(s.T(), os.WriteFile(path, []byte("ghp_from_file\n"), 0o600))

	cfg := validConfig()
	cfg.GitHub.Token = ""
	cfg.GitHub.TokenPath = path
	require.NoError(s.T(), cfg.resolveToken())
	assert.Equal(s.T(), "ghp_from_file", cfg.GitHub.Token)

	cfg.GitHub.Token = ""
	cfg.GitHub.TokenPath = filepath.Join(s.T().TempDir(), "missing")
	assert.Error(s.T(), cfg.resolveToken())
}

func (s *ConfigValidationSuite) TestNewStore() {
	cfg := validConfig()
	cfg.Store.Path = filepath.Join(s.T().TempDir(), "state.db")
	st, err := cfg.NewStore()
	require.NoError(s.T(), err)
	require.NoError(s.T(), st.Close())
}

func (s *ConfigValidationSuite) TestNewProvisioners_QueueOnly() {
	cfg := validConfig()
	cfg.Provisioners = ProvisionersConfig{
		Queue: QueueProvisionerConfig{Enable: true, BaseURL: "https://queue.example.com"},
	}
	require.NoError(s.T(), cfg.Validate())

	p, err := cfg.NewProvisioners(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"queue"}, p.Set.Names())
	assert.Nil(s.T(), p.Set.GCP)
	assert.Nil(s.T(), p.Set.Docker)
	require.NoError(s.T(), p.Shutdown(context.Background()))
}
