// Package gcp implements provisioner.Provisioner on Google Cloud Compute
// Engine.  Each job gets a dedicated VM whose user-data carries the
// cloud-init script; the VM is deleted once the job completes.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runbot/internal/provisioner"
)

// Size maps a machine request to a Compute Engine machine family.
type Size struct {
	// Arch is provisioner.ArchX64 or provisioner.ArchArm64.
	Arch string
	// Vendor is "intel", "amd" or "" for any.
	Vendor string
	// Family is the machine type prefix, e.g. "n2-standard".
	Family string
	// Cores is the default core count; "-fast" doubles it.
	Cores int
}

// Config holds GCP-specific provisioner settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zones are tried in order until one accepts the VM (required).
	Zones []string

	// Image is the self-link or family URL of the boot image (required).
	Image string

	// ArmImage is used for arm64 machines.  Defaults to Image.
	ArmImage string

	// Sizes is the machine matrix.  The first entry matching the
	// requested arch and vendor wins; entries with an empty vendor
	// match any vendor.
	Sizes []Size

	// DiskGBPerCore scales the boot disk with the core count.  Default: 16.
	DiskGBPerCore int64

	// MinDiskGB is the smallest boot disk.  Default: 64.
	MinDiskGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP controls whether VMs get an external IP.
	PublicIP bool

	// ServiceAccount is attached to the VM when set.
	ServiceAccount string

	// SSHUser is the login user reported to operators.  Default: "runbot".
	SSHUser string

	// DeployIdleExtension keeps the job's idle timer quiet while the
	// insert call is in flight.  Default: 10m.
	DeployIdleExtension time.Duration
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the provisioner uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	client *compute.InstancesClient
}

func (r *restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.client.Get(ctx, req)
}

func (r *restInstances) Close() error {
	return r.client.Close()
}

// Provisioner runs jobs on GCP Compute Engine VMs.
type Provisioner struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// teardowns tracks detached delete calls so Shutdown can wait for them.
	teardowns sync.WaitGroup

	tracer trace.Tracer
}

// Compile-time check that Provisioner satisfies provisioner.Provisioner.
var _ provisioner.Provisioner = (*Provisioner)(nil)

// New creates a GCP provisioner using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provisioner, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	p := newProvisioner(&restInstances{client: client}, cfg, logger)

	logger.Info("gcp provisioner initialized",
		slog.String("project", p.cfg.Project),
		slog.String("zones", strings.Join(p.cfg.Zones, ",")),
		slog.Int("sizes", len(p.cfg.Sizes)),
	)

	return p, nil
}

func newProvisioner(client instancesAPI, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.DiskGBPerCore == 0 {
		cfg.DiskGBPerCore = 16
	}
	if cfg.MinDiskGB == 0 {
		cfg.MinDiskGB = 64
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "runbot"
	}
	if cfg.DeployIdleExtension == 0 {
		cfg.DeployIdleExtension = 10 * time.Minute
	}
	if cfg.ArmImage == "" {
		cfg.ArmImage = cfg.Image
	}

	return &Provisioner{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("runbot/provisioner/gcp"),
	}
}

// Name implements provisioner.Provisioner.
func (p *Provisioner) Name() string { return "gcp" }

// deploymentError marks a failure that happened after the zone accepted
// the insert.  Such failures are not retried in another zone.
type deploymentError struct {
	zone string
	err  error
}

func (e *deploymentError) Error() string {
	return fmt.Sprintf("deployment in %s did not complete: %v", e.zone, e.err)
}

func (e *deploymentError) Unwrap() error { return e.err }

// Provision creates a VM in the first zone that accepts it, waits for the
// job to complete and then deletes the VM in the background.
func (p *Provisioner) Provision(ctx context.Context, t provisioner.Target, script string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.gcp.Provision")
	defer span.End()

	size, err := p.selectSize(t.Machine())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	name := instanceName(t.InternalID())
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.machine_type", size.machineType),
		attribute.Int64("gcp.disk_size_gb", size.diskGB),
	)

	t.Logf("Selected machine type %s with a %d GB disk", size.machineType, size.diskGB)

	var (
		zone    string
		lastErr error
	)
	for _, z := range p.cfg.Zones {
		t.ExtendIdleTimeout(p.cfg.DeployIdleExtension)
		t.Logf("Deploying %s to %s", name, z)

		err := p.deploy(ctx, z, name, size, t.Machine(), script)
		if err == nil {
			zone = z
			break
		}

		var de *deploymentError
		if errors.As(err, &de) {
			// The zone accepted the VM; something may exist there.
			t.Logf("Deployment to %s failed after it was accepted: %v", z, err)
			p.teardown(t, z, name)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		lastErr = err
		t.Logf("Deployment to %s failed: %v", z, err)
		p.logger.Warn("zone rejected deployment",
			slog.String("name", name),
			slog.String("zone", z),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if zone == "" {
		err := fmt.Errorf("deploy %s: all %d zones failed: %w", name, len(p.cfg.Zones), lastErr)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.String("gcp.zone", zone))
	defer p.teardown(t, zone, name)

	if login := p.remoteLogin(ctx, zone, name); login != "" {
		t.SetRemoteLogin(login)
	}
	t.Logf("VM %s is running in %s", name, zone)

	span.AddEvent("waiting for job completion")
	select {
	case <-t.Done():
	case <-ctx.Done():
	}
	return nil
}

// Shutdown waits for in-flight teardowns and closes the API client.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		p.teardowns.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for gcp teardowns: %w", ctx.Err())
	}

	return errors.Join(err, p.client.Close())
}

type machineSize struct {
	machineType string
	cores       int
	diskGB      int64
}

func (p *Provisioner) selectSize(m provisioner.Machine) (machineSize, error) {
	arch := m.Arch
	if arch == "" {
		arch = provisioner.ArchX64
	}

	for _, s := range p.cfg.Sizes {
		if s.Arch != arch {
			continue
		}
		if s.Vendor != "" && m.Vendor != "" && s.Vendor != m.Vendor {
			continue
		}

		cores := s.Cores
		if m.Fast {
			cores *= 2
		}
		return machineSize{
			machineType: fmt.Sprintf("%s-%d", s.Family, cores),
			cores:       cores,
			diskGB:      max(p.cfg.MinDiskGB, int64(cores)*p.cfg.DiskGBPerCore),
		}, nil
	}

	return machineSize{}, fmt.Errorf("no gcp machine size configured for arch=%s vendor=%s", arch, m.Vendor)
}

func (p *Provisioner) deploy(ctx context.Context, zone, name string, size machineSize, m provisioner.Machine, script string) error {
	image := p.cfg.Image
	if m.Arch == provisioner.ArchArm64 {
		image = p.cfg.ArmImage
	}

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(image),
			DiskSizeGb:  proto.Int64(size.diskGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", zone, size.machineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            map[string]string{"managed-by": "runbot"},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("user-data"),
					Value: proto.String(script),
				},
			},
		},
	}

	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	p.logger.Info("creating job VM",
		slog.String("name", name),
		slog.String("machine_type", size.machineType),
		slog.String("zone", zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             zone,
		InstanceResource: instance,
	})
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		return &deploymentError{zone: zone, err: err}
	}

	p.logger.Info("job VM started",
		slog.String("name", name),
		slog.String("zone", zone),
	)
	return nil
}

// remoteLogin returns an ssh command line for the VM, or "" when it has
// no external address.
func (p *Provisioner) remoteLogin(ctx context.Context, zone, name string) string {
	inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		p.logger.Warn("could not read VM address",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return ""
	}

	for _, nic := range inst.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return fmt.Sprintf("ssh %s@%s", p.cfg.SSHUser, ip)
			}
		}
	}
	return ""
}

// teardown deletes the VM on a detached goroutine.  Errors are logged,
// never returned to the job.
func (p *Provisioner) teardown(t provisioner.Target, zone, name string) {
	t.Logf("Deleting VM %s in %s", name, zone)

	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		if err := p.destroy(ctx, zone, name); err != nil {
			p.logger.Error("failed to delete job VM",
				slog.String("name", name),
				slog.String("zone", zone),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// destroy permanently deletes the VM.  Deleting an already-deleted VM is
// not an error.
func (p *Provisioner) destroy(ctx context.Context, zone, name string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.gcp.destroy")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.zone", zone),
	)

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	p.logger.Info("job VM deleted", slog.String("name", name), slog.String("zone", zone))
	return nil
}

// instanceName derives a valid Compute Engine name from the job id.
func instanceName(jobID string) string {
	id := strings.ToLower(strings.ReplaceAll(jobID, "_", "-"))
	name := "runbot-" + id
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  googleapi.Error formats as "googleapi: Error 404: ..." and
// gRPC status as "code = NotFound".
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
