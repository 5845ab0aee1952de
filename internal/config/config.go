// Package config handles loading, validating, and applying
// configuration for the runbot controller.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/runbot/internal/blob"
	"github.com/terrpan/runbot/internal/github"
	"github.com/terrpan/runbot/internal/job"
	"github.com/terrpan/runbot/internal/otel"
	"github.com/terrpan/runbot/internal/provisioner"
	"github.com/terrpan/runbot/internal/provisioner/docker"
	"github.com/terrpan/runbot/internal/provisioner/gcp"
	"github.com/terrpan/runbot/internal/provisioner/queue"
	"github.com/terrpan/runbot/internal/registry"
	"github.com/terrpan/runbot/internal/store"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub        GitHubConfig        `yaml:"github"`
	Bot           BotConfig           `yaml:"bot"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Provisioners  ProvisionersConfig  `yaml:"provisioners"`
	Storage       StorageConfig       `yaml:"storage"`
	Store         StoreConfig         `yaml:"store"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	OTel          OTelConfig          `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig holds API credentials and the tracking repository.
type GitHubConfig struct {
	// Token is a personal access token or installation token.
	Token string `yaml:"token"`

	// TokenPath reads the token from a file.  Token wins when both are set.
	TokenPath string `yaml:"token_path"`

	// IssueRepo is where tracking issues are opened ("owner/repo").
	IssueRepo string `yaml:"issue_repo"`

	// BaseURL is set for GitHub Enterprise (optional).
	BaseURL string `yaml:"base_url"`

	// RequestsPerSecond bounds API calls.  Default: 5.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ---------------------------------------------------------------------------
// Bot
// ---------------------------------------------------------------------------

// BotConfig controls the mention poller.
type BotConfig struct {
	// Name is the bot's GitHub login, matched as "@Name".
	Name string `yaml:"name"`

	// Repos are scanned for mentions.
	Repos []string `yaml:"repos"`

	// PollInterval between scans.  Default: 30s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Lookback is how far back the first scan reaches.  Default: 1h.
	Lookback time.Duration `yaml:"lookback"`

	// SeenRetention is how long handled comment ids are kept.  Default: 168h.
	SeenRetention time.Duration `yaml:"seen_retention"`
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// JobsConfig holds the per-job limits and links.
type JobsConfig struct {
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxDuration         time.Duration `yaml:"max_duration"`
	NoTimeLimitDuration time.Duration `yaml:"no_time_limit_duration"`

	LogCapacity      int   `yaml:"log_capacity"`
	MaxArtifacts     int   `yaml:"max_artifacts"`
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes"`

	// Retention is how long a job stays addressable in the registry.
	// Default: 48h.
	Retention time.Duration `yaml:"retention"`

	// PublicBaseURL is where operators reach the server (required).
	PublicBaseURL string `yaml:"public_base_url"`

	// ControllerURL is what workers call back into.  Defaults to
	// PublicBaseURL.
	ControllerURL string `yaml:"controller_url"`

	DefaultRepo  string `yaml:"default_repo"`
	RunnerRepo   string `yaml:"runner_repo"`
	RunnerBranch string `yaml:"runner_branch"`

	MentionRequester bool     `yaml:"mention_requester"`
	KnownFuzzers     []string `yaml:"known_fuzzers"`
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// AuthorizationConfig lists who may start what.
type AuthorizationConfig struct {
	Admins []string            `yaml:"admins"`
	Users  map[string][]string `yaml:"users"`
}

// ---------------------------------------------------------------------------
// Provisioners
// ---------------------------------------------------------------------------

// ProvisionersConfig configures the compute backends.  At least one
// must be enabled.
type ProvisionersConfig struct {
	GCP    GCPProvisionerConfig    `yaml:"gcp"`
	Docker DockerProvisionerConfig `yaml:"docker"`
	Queue  QueueProvisionerConfig  `yaml:"queue"`
}

// GCPProvisionerConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC).
type GCPProvisionerConfig struct {
	Enable bool `yaml:"enable"`

	Project  string   `yaml:"project"`
	Zones    []string `yaml:"zones"`
	Image    string   `yaml:"image"`
	ArmImage string   `yaml:"arm_image"`

	// Sizes is the machine matrix.  Default: n2-standard/t2a-standard.
	Sizes []GCPSize `yaml:"sizes"`

	DiskGBPerCore int64  `yaml:"disk_gb_per_core"`
	MinDiskGB     int64  `yaml:"min_disk_gb"`
	Network       string `yaml:"network"`
	Subnet        string `yaml:"subnet"`

	// PublicIP defaults to true; a *bool distinguishes unset from false.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`
	SSHUser        string `yaml:"ssh_user"`
}

// GCPSize is one row of the GCP machine matrix.
type GCPSize struct {
	Arch   string `yaml:"arch"`
	Vendor string `yaml:"vendor"`
	Family string `yaml:"family"`
	Cores  int    `yaml:"cores"`
}

// DockerProvisionerConfig holds Docker host settings.
type DockerProvisionerConfig struct {
	Enable bool `yaml:"enable"`

	// Host is the daemon address.  Empty uses DOCKER_HOST.
	Host string `yaml:"host"`

	// Image defaults to "ubuntu:24.04".
	Image string `yaml:"image"`

	// ServerTypes maps "<arch>" and "<arch>-fast" to resource limits.
	ServerTypes map[string]DockerServerType `yaml:"server_types"`
}

// DockerServerType is a container resource preset.
type DockerServerType struct {
	Name     string  `yaml:"name"`
	CPUs     float64 `yaml:"cpus"`
	MemoryGB int64   `yaml:"memory_gb"`
}

// QueueProvisionerConfig holds the remote work queue settings.
type QueueProvisionerConfig struct {
	Enable bool `yaml:"enable"`

	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`

	// Queues maps "<os>-<arch>" or "<os>" to a queue name.
	Queues map[string]string `yaml:"queues"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// StorageConfig configures the S3 artifact bucket.
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	PublicBaseURL   string `yaml:"public_base_url"`
}

// StoreConfig configures the local state file.
type StoreConfig struct {
	// Path of the bbolt file.  Default: "runbot.db".
	Path string `yaml:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address.  Default: ":8080".
	Addr string `yaml:"addr"`

	// AdminToken guards operator mutations (optional).
	AdminToken string `yaml:"admin_token"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// Headers are added to OTLP requests (collector auth).
	Headers map[string]string `yaml:"headers"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics on /metrics.  Default: true.
	Prometheus *bool `yaml:"prometheus"`

	// SampleRatio is the fraction of job traces kept.  Default: 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Bot.Name == "" {
		c.Bot.Name = "runbot"
	}
	if c.Jobs.ControllerURL == "" {
		c.Jobs.ControllerURL = c.Jobs.PublicBaseURL
	}
	if c.Jobs.DefaultRepo == "" && len(c.Bot.Repos) > 0 {
		c.Jobs.DefaultRepo = c.Bot.Repos[0]
	}
	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = 48 * time.Hour
	}
	if len(c.Provisioners.GCP.Sizes) == 0 {
		c.Provisioners.GCP.Sizes = []GCPSize{
			{Arch: provisioner.ArchX64, Vendor: "amd", Family: "n2d-standard", Cores: 16},
			{Arch: provisioner.ArchX64, Family: "n2-standard", Cores: 16},
			{Arch: provisioner.ArchArm64, Family: "t2a-standard", Cores: 16},
		}
	}
	if c.Provisioners.GCP.PublicIP == nil {
		t := true
		c.Provisioners.GCP.PublicIP = &t
	}
	if c.Store.Path == "" {
		c.Store.Path = "runbot.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.Prometheus == nil {
		t := true
		c.OTel.Prometheus = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.GitHub.Token == "" && c.GitHub.TokenPath == "" {
		return fmt.Errorf("no credentials: provide github.token or github.token_path")
	}
	if !validRepo(c.GitHub.IssueRepo) {
		return fmt.Errorf("github.issue_repo: %q is not owner/name", c.GitHub.IssueRepo)
	}
	if len(c.Bot.Repos) == 0 {
		return fmt.Errorf("bot.repos must list at least one repository")
	}
	for i, r := range c.Bot.Repos {
		if !validRepo(r) {
			return fmt.Errorf("bot.repos[%d]: %q is not owner/name", i, r)
		}
	}

	if _, err := url.ParseRequestURI(c.Jobs.PublicBaseURL); err != nil {
		return fmt.Errorf("jobs.public_base_url: invalid URL %q: %w", c.Jobs.PublicBaseURL, err)
	}
	if _, err := url.ParseRequestURI(c.Jobs.ControllerURL); err != nil {
		return fmt.Errorf("jobs.controller_url: invalid URL %q: %w", c.Jobs.ControllerURL, err)
	}
	if c.Jobs.RunnerRepo == "" {
		return fmt.Errorf("jobs.runner_repo is required")
	}
	if c.Jobs.NoTimeLimitDuration != 0 && c.Jobs.MaxDuration != 0 && c.Jobs.NoTimeLimitDuration < c.Jobs.MaxDuration {
		return fmt.Errorf("jobs.no_time_limit_duration (%s) < jobs.max_duration (%s)", c.Jobs.NoTimeLimitDuration, c.Jobs.MaxDuration)
	}

	for user, kinds := range c.Authorization.Users {
		for _, k := range kinds {
			if k != "*" && !job.IsKind(k) {
				return fmt.Errorf("authorization.users.%s: unknown job kind %q", user, k)
			}
		}
	}

	if err := c.validateProvisioners(); err != nil {
		return err
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}

	return nil
}

func (c *Config) validateProvisioners() error {
	p := c.Provisioners
	if !p.GCP.Enable && !p.Docker.Enable && !p.Queue.Enable {
		return fmt.Errorf("no provisioner enabled: enable provisioners.gcp, provisioners.docker or provisioners.queue")
	}

	if p.GCP.Enable {
		if p.GCP.Project == "" {
			return fmt.Errorf("provisioners.gcp.project is required when gcp is enabled")
		}
		if len(p.GCP.Zones) == 0 {
			return fmt.Errorf("provisioners.gcp.zones is required when gcp is enabled")
		}
		if p.GCP.Image == "" {
			return fmt.Errorf("provisioners.gcp.image is required when gcp is enabled")
		}
		for i, s := range p.GCP.Sizes {
			if s.Arch != provisioner.ArchX64 && s.Arch != provisioner.ArchArm64 {
				return fmt.Errorf("provisioners.gcp.sizes[%d].arch %q is not supported", i, s.Arch)
			}
			if s.Family == "" || s.Cores <= 0 {
				return fmt.Errorf("provisioners.gcp.sizes[%d] needs a family and a positive core count", i)
			}
		}
	}

	if p.Queue.Enable {
		if _, err := url.ParseRequestURI(p.Queue.BaseURL); err != nil {
			return fmt.Errorf("provisioners.queue.base_url: invalid URL %q: %w", p.Queue.BaseURL, err)
		}
	}

	return nil
}

func validRepo(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSettings maps the otel section onto the SDK setup.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:     c.OTel.Enabled,
		Endpoint:    c.OTel.Endpoint,
		Insecure:    c.OTel.Insecure,
		Headers:     c.OTel.Headers,
		StdOut:      c.OTel.StdOut,
		Prometheus:  c.OTel.Prometheus != nil && *c.OTel.Prometheus,
		SampleRatio: c.OTel.SampleRatio,
	}
}

// resolveToken reads the token from TokenPath if Token is not already set.
func (c *Config) resolveToken() error {
	if c.GitHub.Token != "" || c.GitHub.TokenPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.TokenPath)
	if err != nil {
		return fmt.Errorf("reading github token from %s: %w", c.GitHub.TokenPath, err)
	}
	c.GitHub.Token = strings.TrimSpace(string(data))
	return nil
}

// NewGitHub creates the GitHub API client.
func (c *Config) NewGitHub(logger *slog.Logger) (*github.Client, error) {
	if err := c.resolveToken(); err != nil {
		return nil, err
	}
	return github.New(github.Config{
		Token:             c.GitHub.Token,
		IssueRepo:         c.GitHub.IssueRepo,
		BaseURL:           c.GitHub.BaseURL,
		RequestsPerSecond: c.GitHub.RequestsPerSecond,
	}, logger.WithGroup("github"))
}

// NewBlobStore creates the S3 artifact store.
func (c *Config) NewBlobStore(ctx context.Context, logger *slog.Logger) (*blob.Store, error) {
	return blob.New(ctx, blob.Config{
		Bucket:          c.Storage.Bucket,
		Region:          c.Storage.Region,
		Endpoint:        c.Storage.Endpoint,
		ForcePathStyle:  c.Storage.ForcePathStyle,
		Profile:         c.Storage.Profile,
		AccessKeyID:     c.Storage.AccessKeyID,
		SecretAccessKey: c.Storage.SecretAccessKey,
		Prefix:          c.Storage.Prefix,
		PublicBaseURL:   c.Storage.PublicBaseURL,
	}, logger.WithGroup("blob"))
}

// NewStore opens the local state file.
func (c *Config) NewStore() (*store.Store, error) {
	return store.Open(c.Store.Path, c.Jobs.PublicBaseURL)
}

// Provisioners is the set of enabled backends plus their cleanup.
type Provisioners struct {
	Set *provisioner.Set

	gcp    *gcp.Provisioner
	docker *docker.Provisioner
	queue  *queue.Provisioner
}

// Shutdown waits for detached teardowns of every backend.
func (p *Provisioners) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.gcp != nil {
		if err := p.gcp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.docker != nil {
		if err := p.docker.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.queue != nil {
		p.queue.Wait()
	}
	return firstErr
}

// NewProvisioners creates every enabled backend.
func (c *Config) NewProvisioners(ctx context.Context, logger *slog.Logger) (*Provisioners, error) {
	out := &Provisioners{Set: &provisioner.Set{}}
	pc := c.Provisioners

	if pc.GCP.Enable {
		sizes := make([]gcp.Size, len(pc.GCP.Sizes))
		for i, s := range pc.GCP.Sizes {
			sizes[i] = gcp.Size{Arch: s.Arch, Vendor: s.Vendor, Family: s.Family, Cores: s.Cores}
		}
		p, err := gcp.New(ctx, gcp.Config{
			Project:        pc.GCP.Project,
			Zones:          pc.GCP.Zones,
			Image:          pc.GCP.Image,
			ArmImage:       pc.GCP.ArmImage,
			Sizes:          sizes,
			DiskGBPerCore:  pc.GCP.DiskGBPerCore,
			MinDiskGB:      pc.GCP.MinDiskGB,
			Network:        pc.GCP.Network,
			Subnet:         pc.GCP.Subnet,
			PublicIP:       pc.GCP.PublicIP == nil || *pc.GCP.PublicIP,
			ServiceAccount: pc.GCP.ServiceAccount,
			SSHUser:        pc.GCP.SSHUser,
		}, logger.WithGroup("provisioner.gcp"))
		if err != nil {
			return nil, err
		}
		out.gcp, out.Set.GCP = p, p
	}

	if pc.Docker.Enable {
		types := make(map[string]docker.ServerType, len(pc.Docker.ServerTypes))
		for k, v := range pc.Docker.ServerTypes {
			types[k] = docker.ServerType{Name: v.Name, CPUs: v.CPUs, MemoryGB: v.MemoryGB}
		}
		p, err := docker.New(docker.Config{
			Host:        pc.Docker.Host,
			Image:       pc.Docker.Image,
			ServerTypes: types,
		}, logger.WithGroup("provisioner.docker"))
		if err != nil {
			return nil, err
		}
		out.docker, out.Set.Docker = p, p
	}

	if pc.Queue.Enable {
		p, err := queue.New(queue.Config{
			BaseURL:      pc.Queue.BaseURL,
			Token:        pc.Queue.Token,
			Queues:       pc.Queue.Queues,
			PollInterval: pc.Queue.PollInterval,
		}, logger.WithGroup("provisioner.queue"))
		if err != nil {
			return nil, err
		}
		out.queue, out.Set.Queue = p, p
	}

	return out, nil
}

// JobSettings maps the jobs section onto job.Settings.
func (c *Config) JobSettings() job.Settings {
	s := job.DefaultSettings()
	j := c.Jobs

	if j.IdleTimeout > 0 {
		s.IdleTimeout = j.IdleTimeout
	}
	if j.MaxDuration > 0 {
		s.MaxDuration = j.MaxDuration
	}
	if j.NoTimeLimitDuration > 0 {
		s.NoTimeLimitDuration = j.NoTimeLimitDuration
	}
	if j.LogCapacity > 0 {
		s.LogCapacity = j.LogCapacity
	}
	if j.MaxArtifacts > 0 {
		s.MaxArtifacts = j.MaxArtifacts
	}
	if j.MaxArtifactBytes > 0 {
		s.MaxArtifactBytes = j.MaxArtifactBytes
	}
	if j.RunnerBranch != "" {
		s.RunnerBranch = j.RunnerBranch
	}

	s.PublicBaseURL = strings.TrimSuffix(j.PublicBaseURL, "/")
	s.ControllerURL = strings.TrimSuffix(j.ControllerURL, "/")
	s.DefaultRepo = j.DefaultRepo
	s.RunnerRepo = j.RunnerRepo
	s.MentionRequester = j.MentionRequester
	s.KnownFuzzers = j.KnownFuzzers
	return s
}

// AllowList maps the authorization section onto the registry's list.
func (c *Config) AllowList() registry.AllowList {
	return registry.AllowList{
		Admins: c.Authorization.Admins,
		Users:  c.Authorization.Users,
	}
}

// PollerConfig maps the bot section onto the poller parameters.
func (c *Config) PollerConfig(logger *slog.Logger) registry.PollerConfig {
	return registry.PollerConfig{
		BotName:       c.Bot.Name,
		Repos:         c.Bot.Repos,
		Interval:      c.Bot.PollInterval,
		Lookback:      c.Bot.Lookback,
		SeenRetention: c.Bot.SeenRetention,
		Logger:        logger.WithGroup("poller"),
	}
}
