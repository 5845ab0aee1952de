// Package provisionertest provides an in-memory provisioner.Target for
// backend tests.
package provisionertest

import (
	"fmt"
	"sync"
	"time"

	"github.com/terrpan/runbot/internal/provisioner"
)

// Target records everything a provisioner does to a job.
type Target struct {
	ID      string
	Spec    provisioner.Machine
	Idle    time.Duration
	mu      sync.Mutex
	lines   []string
	login   string
	extends []time.Duration
	expired string
	done    chan struct{}
	once    sync.Once
}

// NewTarget returns a Target with a one-minute idle window.
func NewTarget(id string, m provisioner.Machine) *Target {
	return &Target{
		ID:   id,
		Spec: m,
		Idle: time.Minute,
		done: make(chan struct{}),
	}
}

func (t *Target) InternalID() string           { return t.ID }
func (t *Target) Machine() provisioner.Machine { return t.Spec }
func (t *Target) Done() <-chan struct{}        { return t.done }
func (t *Target) IdleTimeout() time.Duration   { return t.Idle }

func (t *Target) Logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

func (t *Target) ExtendIdleTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extends = append(t.extends, d)
}

// ExpireIdleTimeout records the reason and completes the target.
func (t *Target) ExpireIdleTimeout(reason string) {
	t.mu.Lock()
	if t.expired == "" {
		t.expired = reason
	}
	t.mu.Unlock()
	t.Complete()
}

func (t *Target) IdleTimeoutFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired != ""
}

func (t *Target) SetRemoteLogin(login string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.login = login
}

// Complete closes the Done channel.  It is safe to call repeatedly.
func (t *Target) Complete() {
	t.once.Do(func() { close(t.done) })
}

// Lines returns a copy of the logged lines.
func (t *Target) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Login returns the recorded remote login.
func (t *Target) Login() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.login
}

// Extensions returns the idle extensions requested so far.
func (t *Target) Extensions() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.extends...)
}

// ExpiredReason returns the reason passed to ExpireIdleTimeout.
func (t *Target) ExpiredReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}
