package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/terrpan/runbot/internal/job"
)

// Comment is a repository comment seen by the poller.
type Comment struct {
	ID            int64
	Repo          string
	Number        int
	IsPullRequest bool
	Author        string
	Body          string
	URL           string
	CreatedAt     time.Time
}

// CommentFeed lists recent comments and replies to them.
type CommentFeed interface {
	ListRecentComments(ctx context.Context, repo string, since time.Time) ([]Comment, error)
	CreateComment(ctx context.Context, repo string, number int, body string) error
}

// SeenSet remembers which comments were handled.
type SeenSet interface {
	// MarkSeen records id and reports whether it was new.
	MarkSeen(ctx context.Context, id int64) (bool, error)
}

// seenPruner is implemented by seen sets that can forget old entries.
type seenPruner interface {
	PruneSeen(ctx context.Context, cutoff time.Time) (int, error)
}

// Starter starts jobs; *Registry implements it.
type Starter interface {
	StartJob(ctx context.Context, req job.Request) (*job.Job, error)
}

// Canceller stops running jobs on request; *Registry implements it.
type Canceller interface {
	CancelJobs(login, id, repo string, number int) ([]*job.Job, error)
}

// PollerConfig holds the mention poller parameters.
type PollerConfig struct {
	BotName string
	Repos   []string

	// Interval between scans.  Default: 30s.
	Interval time.Duration

	// Lookback is how far back the first scan reaches.  Default: 1h.
	Lookback time.Duration

	// RequestsPerSecond bounds the feed requests.  Default: 1.
	RequestsPerSecond float64

	// SeenRetention is how long handled comment ids are remembered.
	// Default: 7 days.
	SeenRetention time.Duration

	Logger *slog.Logger
}

// Poller scans repositories for @bot mentions and starts jobs.
type Poller struct {
	cfg     PollerConfig
	feed    CommentFeed
	seen    SeenSet
	starter Starter
	limiter *rate.Limiter
	logger  *slog.Logger
	cron    *cron.Cron

	mu       sync.Mutex
	lastScan time.Time
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig, feed CommentFeed, seen SeenSet, starter Starter) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = 7 * 24 * time.Hour
	}

	return &Poller{
		cfg:     cfg,
		feed:    feed,
		seen:    seen,
		starter: starter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  cfg.Logger,
	}
}

// Run scans on a cron schedule until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	cronLogger := &cronSlogAdapter{logger: p.logger}
	p.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	)

	spec := fmt.Sprintf("@every %s", p.cfg.Interval)
	if _, err := p.cron.AddFunc(spec, func() { p.Scan(ctx) }); err != nil {
		return fmt.Errorf("scheduling mention poller: %w", err)
	}
	if _, ok := p.seen.(seenPruner); ok {
		if _, err := p.cron.AddFunc("@daily", func() { p.Prune(ctx) }); err != nil {
			return fmt.Errorf("scheduling seen-set pruning: %w", err)
		}
	}

	p.logger.Info("mention poller started",
		slog.String("bot", p.cfg.BotName),
		slog.Int("repos", len(p.cfg.Repos)),
		slog.Duration("interval", p.cfg.Interval),
	)
	p.cron.Start()

	<-ctx.Done()
	<-p.cron.Stop().Done()
	p.logger.Info("mention poller stopped")
	return nil
}

// Prune forgets handled comments older than the retention window.  It
// is a no-op when the seen set cannot prune.
func (p *Poller) Prune(ctx context.Context) {
	pruner, ok := p.seen.(seenPruner)
	if !ok {
		return
	}
	n, err := pruner.PruneSeen(ctx, time.Now().Add(-p.cfg.SeenRetention))
	if err != nil {
		p.logger.Warn("failed to prune seen comments", slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("pruned seen comments", slog.Int("count", n))
}

// Scan checks every repository once.
func (p *Poller) Scan(ctx context.Context) {
	p.mu.Lock()
	since := p.lastScan
	if since.IsZero() {
		since = time.Now().Add(-p.cfg.Lookback)
	}
	started := time.Now()
	p.mu.Unlock()

	ok := true
	for _, repo := range p.cfg.Repos {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		comments, err := p.feed.ListRecentComments(ctx, repo, since)
		if err != nil {
			ok = false
			p.logger.Warn("failed to list comments", slog.String("repo", repo), slog.String("error", err.Error()))
			continue
		}
		for _, c := range comments {
			p.handle(ctx, c)
		}
	}

	// Overlap with the previous window; the seen-set drops duplicates.
	if ok {
		p.mu.Lock()
		p.lastScan = started.Add(-p.cfg.Interval)
		p.mu.Unlock()
	}
}

func (p *Poller) handle(ctx context.Context, c Comment) {
	if strings.EqualFold(c.Author, p.cfg.BotName) {
		return
	}
	args, ok := ExtractCommand(c.Body, p.cfg.BotName)
	if !ok {
		return
	}

	fresh, err := p.seen.MarkSeen(ctx, c.ID)
	if err != nil {
		p.logger.Warn("failed to record comment", slog.Int64("comment", c.ID), slog.String("error", err.Error()))
		return
	}
	if !fresh {
		return
	}

	cmd := Classify(args)
	if cmd.Help {
		p.reply(ctx, c, HelpText(p.cfg.BotName))
		return
	}
	if cmd.Cancel {
		p.cancel(ctx, c, cmd.Arguments)
		return
	}

	req := job.Request{
		Kind:      cmd.Kind,
		Arguments: cmd.Arguments,
		Initiator: c.Author,
		Repo:      c.Repo,
	}
	if c.IsPullRequest {
		req.PullRequest = c.Number
	}

	j, err := p.starter.StartJob(ctx, req)
	switch {
	case errors.Is(err, ErrNotAuthorized):
		// Dropped silently towards the requester.
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrPaused):
		p.reply(ctx, c, "New jobs are not being accepted right now, please try again later.")
	case err != nil:
		p.reply(ctx, c, fmt.Sprintf("Failed to start the job: %v", err))
	default:
		p.reply(ctx, c, fmt.Sprintf("Job started, see the [live progress](%s).", j.ProgressURL()))
	}
}

// cancel stops the jobs a "cancel" mention refers to.  The first
// argument, when present, is a job id.
func (p *Poller) cancel(ctx context.Context, c Comment, args string) {
	canceller, ok := p.starter.(Canceller)
	if !ok {
		return
	}
	var id string
	if fields := strings.Fields(args); len(fields) > 0 {
		id = fields[0]
	}

	jobs, err := canceller.CancelJobs(c.Author, id, c.Repo, c.Number)
	switch {
	case errors.Is(err, ErrNotAuthorized):
		// Dropped silently towards the requester.
	case errors.Is(err, ErrNoJob):
		p.reply(ctx, c, "There is no running job to cancel here.")
	case err != nil:
		p.reply(ctx, c, fmt.Sprintf("Failed to cancel: %v", err))
	default:
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = "`" + j.PublicID() + "`"
		}
		p.reply(ctx, c, "Cancelled "+strings.Join(ids, ", ")+".")
	}
}

func (p *Poller) reply(ctx context.Context, c Comment, body string) {
	if err := p.feed.CreateComment(ctx, c.Repo, c.Number, body); err != nil {
		p.logger.Warn("failed to reply to comment",
			slog.String("repo", c.Repo),
			slog.Int("number", c.Number),
			slog.String("error", err.Error()),
		)
	}
}

// cronSlogAdapter adapts slog.Logger to the cron.Logger interface.
type cronSlogAdapter struct {
	logger *slog.Logger
}

func (a *cronSlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *cronSlogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := make([]any, 0, len(keysAndValues)+1)
	attrs = append(attrs, slog.String("error", err.Error()))
	attrs = append(attrs, keysAndValues...)
	a.logger.Error(msg, attrs...)
}
