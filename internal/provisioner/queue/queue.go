// Package queue implements provisioner.Provisioner by submitting work
// items to a distributed test-execution queue instead of owning a VM.
// It is the only backend for Windows targets.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runbot/internal/provisioner"
)

// queueAPI is the subset of *Client the provisioner uses.
type queueAPI interface {
	Submit(ctx context.Context, item WorkItem) (string, error)
	Status(ctx context.Context, id string) (State, error)
	Cancel(ctx context.Context, id string) error
}

// Config holds queue settings.
type Config struct {
	// BaseURL is the queue API root (required).
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Queues maps "<os>-<arch>" (e.g. "windows-x64") to a queue name.
	// An "<os>" key is used when no arch-specific entry exists.
	Queues map[string]string

	// PollInterval is how often the work item's status is checked.
	// Default: 15s.
	PollInterval time.Duration

	// MaxQueuedFactor bounds the time a work item may sit in the queue,
	// as a multiple of the job's idle timeout.  Default: 10.
	MaxQueuedFactor int
}

// Provisioner runs jobs as queue work items.
type Provisioner struct {
	api    queueAPI
	cfg    Config
	logger *slog.Logger

	teardowns sync.WaitGroup
	tracer    trace.Tracer
}

// Compile-time check that Provisioner satisfies provisioner.Provisioner.
var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a queue provisioner.
func New(cfg Config, logger *slog.Logger) (*Provisioner, error) {
	client, err := NewClient(cfg.BaseURL, cfg.Token, logger.WithGroup("http"))
	if err != nil {
		return nil, err
	}

	logger.Info("queue provisioner initialized",
		slog.String("baseURL", cfg.BaseURL),
		slog.Int("queues", len(cfg.Queues)),
	)
	return newProvisioner(client, cfg, logger), nil
}

func newProvisioner(api queueAPI, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.MaxQueuedFactor == 0 {
		cfg.MaxQueuedFactor = 10
	}
	return &Provisioner{
		api:    api,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("runbot/provisioner/queue"),
	}
}

// Name implements provisioner.Provisioner.
func (p *Provisioner) Name() string { return "queue" }

// Provision submits the work item and polls it until the job completes.
// A work item that stays queued for longer than MaxQueuedFactor idle
// windows fails the job fast through its idle timeout.
func (p *Provisioner) Provision(ctx context.Context, t provisioner.Target, script string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.queue.Provision")
	defer span.End()

	m := t.Machine()
	queueName, err := p.queueFor(m)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("queue.name", queueName))

	id, err := p.api.Submit(ctx, WorkItem{
		Queue:   queueName,
		Name:    "runbot-" + t.InternalID(),
		Command: script,
		Env:     map[string]string{"RUNBOT_JOB_ID": t.InternalID()},
	})
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.String("queue.work_item", id))
	t.Logf("Submitted work item %s to %s", id, queueName)
	t.SetRemoteLogin(fmt.Sprintf("queue work item %s on %s", id, queueName))
	defer p.teardown(t, id)

	maxQueued := time.Duration(p.cfg.MaxQueuedFactor) * t.IdleTimeout()
	submitted := time.Now()
	last := StateQueued

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		state, err := p.api.Status(ctx, id)
		if err != nil {
			p.logger.Warn("work item status check failed",
				slog.String("workItem", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		if state != last {
			t.Logf("Work item %s is %s", id, state)
			last = state
		}

		switch {
		case state == StateQueued && time.Since(submitted) > maxQueued:
			t.ExpireIdleTimeout(fmt.Sprintf("work item %s was still queued after %s", id, maxQueued))
		case state.Terminal():
			// The worker reports completion itself; a terminal work item
			// without that report is caught by the idle timeout.
			ticker.Stop()
		}
	}
}

// Wait blocks until all detached teardowns have finished.
func (p *Provisioner) Wait() {
	p.teardowns.Wait()
}

func (p *Provisioner) queueFor(m provisioner.Machine) (string, error) {
	os := m.OS
	if os == "" {
		os = provisioner.OSLinux
	}
	arch := m.Arch
	if arch == "" {
		arch = provisioner.ArchX64
	}

	if q, ok := p.cfg.Queues[os+"-"+arch]; ok {
		return q, nil
	}
	if q, ok := p.cfg.Queues[os]; ok {
		return q, nil
	}
	return "", fmt.Errorf("no queue configured for %s-%s", os, arch)
}

// teardown cancels the work item only when the job was abandoned by the
// idle timeout; a job that finished normally is left alone.
func (p *Provisioner) teardown(t provisioner.Target, id string) {
	if !t.IdleTimeoutFired() {
		return
	}

	t.Logf("Cancelling work item %s", id)
	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := p.api.Cancel(ctx, id); err != nil {
			p.logger.Error("failed to cancel work item",
				slog.String("workItem", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}
