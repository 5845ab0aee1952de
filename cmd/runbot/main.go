package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runbot/internal/buildinfo"
	"github.com/terrpan/runbot/internal/config"
	"github.com/terrpan/runbot/internal/health"
	"github.com/terrpan/runbot/internal/job"
	"github.com/terrpan/runbot/internal/otel"
	"github.com/terrpan/runbot/internal/registry"
	"github.com/terrpan/runbot/internal/server"
)

var (
	cfgPath       string
	flagOverrides config.Config
	drainTimeout  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runbot",
	Short: "runbot -- GitHub-mention driven CI job controller",
	Long: `runbot watches pull request comments for @mentions, provisions a
remote machine for each request (GCP VM, Docker container or queue work
item), streams its logs and artifacts, and reports back on a tracking
issue.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Token, "token", "", "GitHub token")
	f.StringVar(&flagOverrides.GitHub.TokenPath, "token-path", "", "Path to a file holding the GitHub token")
	f.StringVar(&flagOverrides.GitHub.IssueRepo, "issue-repo", "", "Repository tracking issues are opened in (owner/name)")

	// Bot overrides
	f.StringVar(&flagOverrides.Bot.Name, "bot-name", "", "GitHub login the bot answers to")
	f.StringSliceVar(&flagOverrides.Bot.Repos, "repo", nil, "Repository to watch for mentions (repeatable)")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Addr, "addr", "", "HTTP listen address")
	f.StringVar(&flagOverrides.Jobs.PublicBaseURL, "public-url", "", "Public base URL of this server")
	f.StringVar(&flagOverrides.Store.Path, "db", "", "Path to the state database")
	f.DurationVar(&drainTimeout, "drain-timeout", 5*time.Minute, "How long shutdown waits for running jobs")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.GitHub.TokenPath != "" {
		cfg.GitHub.TokenPath = flagOverrides.GitHub.TokenPath
	}
	if flagOverrides.GitHub.IssueRepo != "" {
		cfg.GitHub.IssueRepo = flagOverrides.GitHub.IssueRepo
	}
	if flagOverrides.Bot.Name != "" {
		cfg.Bot.Name = flagOverrides.Bot.Name
	}
	if len(flagOverrides.Bot.Repos) > 0 {
		cfg.Bot.Repos = flagOverrides.Bot.Repos
	}
	if flagOverrides.Server.Addr != "" {
		cfg.Server.Addr = flagOverrides.Server.Addr
	}
	if flagOverrides.Jobs.PublicBaseURL != "" {
		cfg.Jobs.PublicBaseURL = flagOverrides.Jobs.PublicBaseURL
	}
	if flagOverrides.Store.Path != "" {
		cfg.Store.Path = flagOverrides.Store.Path
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("bot", cfg.Bot.Name),
		slog.Any("repos", cfg.Bot.Repos),
		slog.String("publicURL", cfg.Jobs.PublicBaseURL),
	)

	otelShutdown, err := otel.SetupOTelSDK(ctx, "runbot", cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Open state and artifact storage
	// ---------------------------------------------------------------
	st, err := cfg.NewStore()
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	blobs, err := cfg.NewBlobStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	// ---------------------------------------------------------------
	// 4. Create GitHub client
	// ---------------------------------------------------------------
	gh, err := cfg.NewGitHub(logger)
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Initialize provisioners
	// ---------------------------------------------------------------
	provs, err := cfg.NewProvisioners(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing provisioners: %w", err)
	}
	provs.Set.ForceDocker = func() bool {
		on, err := registry.FlagOn(ctx, st, registry.FlagForceDockerHost)
		if err != nil {
			logger.Warn("failed to read flag",
				slog.String("flag", registry.FlagForceDockerHost),
				slog.String("error", err.Error()),
			)
		}
		return on
	}
	defer func() {
		if err := provs.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("provisioner shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. Create registry and poller
	// ---------------------------------------------------------------
	reg := registry.New(registry.Config{
		Retention: cfg.Jobs.Retention,
		Allow:     cfg.AllowList(),
		Flags:     st,
		JobDeps: job.Deps{
			GitHub:       gh,
			Blobs:        blobs,
			Shortener:    st,
			Records:      st,
			Provisioners: provs.Set,
			Settings:     cfg.JobSettings(),
			Logger:       logger.WithGroup("job"),
		},
		Logger: logger.WithGroup("registry"),
	})

	poller := registry.NewPoller(cfg.PollerConfig(logger), gh, st, reg)

	// ---------------------------------------------------------------
	// 7. Create HTTP server
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		Jobs:       reg,
		Records:    st,
		Links:      st,
		Flags:      st,
		Health:     health.Handler(provs.Set.Names(), reg),
		AdminToken: cfg.Server.AdminToken,
		Logger:     logger.WithGroup("server"),
	})

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	// The server outlives the poller so workers can keep reporting while
	// running jobs drain.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()

	var g errgroup.Group
	g.Go(func() error {
		err := srv.Start(serverCtx)
		stopRun()
		return err
	})
	g.Go(func() error { return poller.Run(runCtx) })

	<-runCtx.Done()

	// ---------------------------------------------------------------
	// 9. Drain running jobs
	// ---------------------------------------------------------------
	logger.Info("shutting down gracefully", slog.Int("activeJobs", reg.ActiveJobs()))
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := reg.Shutdown(drainCtx); err != nil {
		logger.Warn("registry shutdown incomplete", slog.String("error", err.Error()))
	}

	stopServer()
	if err := g.Wait(); err != nil {
		return fmt.Errorf("runbot: %w", err)
	}
	return nil
}
