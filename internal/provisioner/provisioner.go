// Package provisioner defines the abstraction for backends that turn a
// startup script into a running remote worker for a job.  Each backend
// (GCP Compute Engine, a Docker host, a remote work queue) implements
// the Provisioner interface so the job lifecycle stays backend-agnostic.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Architectures and operating systems understood by the backends.
const (
	ArchX64   = "x64"
	ArchArm64 = "arm64"

	VendorAny   = ""
	VendorIntel = "intel"
	VendorAMD   = "amd"

	OSLinux   = "linux"
	OSWindows = "windows"
)

// Machine describes the worker a job asks for.
type Machine struct {
	Arch   string
	Vendor string
	OS     string
	// Fast doubles the core count of the selected size.
	Fast bool
}

// Windows reports whether the machine targets Windows.
func (m Machine) Windows() bool {
	return m.OS == OSWindows
}

// Target is the view of a job a provisioner works against.
//
// The lifecycle every backend follows is:
//
//	create resource → SetRemoteLogin → <-Done() → teardown (detached)
//
// Provision must not return before Done is closed unless the resource
// could not be created.
type Target interface {
	// InternalID is the secret id the remote worker authenticates with.
	InternalID() string

	// Machine returns the requested worker shape.
	Machine() Machine

	// Logf writes a line to the job's log.
	Logf(format string, args ...any)

	// Done is closed once the job has completed.
	Done() <-chan struct{}

	// IdleTimeout is the configured idle window of the job.
	IdleTimeout() time.Duration

	// ExtendIdleTimeout keeps the idle timer from firing for at least d.
	ExtendIdleTimeout(d time.Duration)

	// ExpireIdleTimeout fires the idle timeout immediately.
	ExpireIdleTimeout(reason string)

	// IdleTimeoutFired reports whether the job completed because of
	// the idle timeout.
	IdleTimeoutFired() bool

	// SetRemoteLogin records how an operator can reach the worker.
	SetRemoteLogin(login string)
}

// Provisioner is the contract every backend must satisfy.
type Provisioner interface {
	// Name identifies the backend in logs and job metadata.
	Name() string

	// Provision starts a worker running script, blocks until the
	// target's Done channel is closed and then dispatches teardown of
	// everything it created.  Teardown failures are logged, never
	// returned.
	Provision(ctx context.Context, t Target, script string) error
}

// Preference carries the explicit backend requests of a job.
type Preference struct {
	Docker bool
	Queue  bool
}

// ErrNotConfigured is returned by Select when the chosen backend is not
// available.
var ErrNotConfigured = errors.New("provisioner not configured")

// Set holds the configured backends.
type Set struct {
	GCP    Provisioner
	Docker Provisioner
	Queue  Provisioner

	// ForceDocker, when it returns true, routes every Linux job that
	// did not ask for the queue to the Docker host.
	ForceDocker func() bool
}

// Select picks the backend for a job:
//
//   - the queue if requested or the target OS is Windows;
//   - otherwise the Docker host if requested or forced;
//   - otherwise GCP.
func (s *Set) Select(m Machine, p Preference) (Provisioner, error) {
	var (
		chosen Provisioner
		name   string
	)

	switch {
	case p.Queue || m.Windows():
		chosen, name = s.Queue, "queue"
	case p.Docker || (s.ForceDocker != nil && s.ForceDocker()):
		chosen, name = s.Docker, "docker"
	default:
		chosen, name = s.GCP, "gcp"
	}

	if chosen == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	return chosen, nil
}

// Names lists the configured backends.
func (s *Set) Names() []string {
	var names []string
	for _, p := range []Provisioner{s.GCP, s.Docker, s.Queue} {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	return names
}
