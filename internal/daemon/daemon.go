// Package daemon wires the registry, image extractor, bundle/rendezvous
// machinery, and listener manager together into the orchestration the
// Control API drives: a published image flows from extraction, through the
// registry, through address binding, to an accepting listener.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/faasd/internal/bundle"
	"github.com/p-arndt/faasd/internal/config"
	"github.com/p-arndt/faasd/internal/faasimage"
	"github.com/p-arndt/faasd/internal/lifecycle"
	"github.com/p-arndt/faasd/internal/listener"
	"github.com/p-arndt/faasd/internal/registry"
	"github.com/p-arndt/faasd/internal/supervisor"
)

// drainPollInterval is how often Shutdown re-checks the in-flight count
// while waiting for it to reach zero.
const drainPollInterval = 100 * time.Millisecond

// addressPrefixLen is the CIDR prefix length used when plumbing addresses
// onto the host interface, matching the /24 pool the registry allocates
// from.
const addressPrefixLen = 24

// Daemon owns the full request path: publishing new deployments and
// dispatching accepted connections to the Container Supervisor.
type Daemon struct {
	cfg        *config.Config
	reg        *registry.Registry
	binder     *lifecycle.Binder
	listeners  *listener.Manager
	supervisor *supervisor.Supervisor
	logger     *slog.Logger

	imagesDir string

	inFlight       int64
	requestCtx     context.Context
	cancelInFlight context.CancelFunc
}

// New wires a Daemon from cfg. It does not bind any addresses or listeners
// itself; call Start after constructing it.
func New(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *Daemon {
	binder := lifecycle.NewBinder(cfg.HostInterface, cfg.AddressLabel)

	sup := supervisor.New(supervisor.Config{
		BundlesDir:     filepath.Join(cfg.DataRoot, "bundles"),
		RunDir:         filepath.Join(cfg.DataRoot, "run"),
		RendezvousWait: cfg.RendezvousWait,
		RuncExitWait:   cfg.RuncExitWait,
		Resources: bundleResources(cfg),
	}, supervisor.NewRuncRuntime(cfg.RuncPath), logger)

	requestCtx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:            cfg,
		reg:            reg,
		binder:         binder,
		supervisor:     sup,
		logger:         logger,
		imagesDir:      filepath.Join(cfg.DataRoot, "images"),
		requestCtx:     requestCtx,
		cancelInFlight: cancel,
	}
	d.listeners = listener.New(d.dispatch, d.onListenerDegraded, logger)

	return d
}

// Start reconciles stale state from a prior run, then rebinds a listener
// for every deployment already in the registry.
func (d *Daemon) Start(ctx context.Context) error {
	if err := lifecycle.ReconcileStaleBundles(d.logger,
		filepath.Join(d.cfg.DataRoot, "bundles"), filepath.Join(d.cfg.DataRoot, "run")); err != nil {
		d.logger.Warn("reconciliation failed", "err", err)
	}

	for _, dep := range d.reg.List() {
		if err := d.bindAndListen(ctx, dep); err != nil {
			d.logger.Error("failed to restore deployment on startup", "name", dep.Name, "err", err)
			if markErr := d.reg.MarkDegraded(dep.Name, true); markErr != nil {
				d.logger.Warn("failed to mark deployment degraded", "name", dep.Name, "err", markErr)
			}
		}
	}
	return nil
}

// Shutdown stops accepting new connections, waits up to cfg.ShutdownDrain
// for in-flight supervisors to finish (force-killing what remains after
// that), and removes only the addresses this daemon's label added, leaving
// rootfs and registry intact.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.listeners.Close()

	if !lifecycle.Drain(ctx, d.cfg.ShutdownDrain, drainPollInterval, d.inFlightCount) {
		d.logger.Warn("shutdown drain deadline exceeded, forcing termination of in-flight containers",
			"in_flight", d.inFlightCount())
		d.cancelInFlight()
	}

	if err := d.binder.UnbindAllLabeled(ctx, addressPrefixLen); err != nil {
		return fmt.Errorf("unbind addresses: %w", err)
	}
	return nil
}

// inFlightCount reports the number of supervisor.Handle invocations
// currently running, for lifecycle.Drain to poll.
func (d *Daemon) inFlightCount() int {
	return int(atomic.LoadInt64(&d.inFlight))
}

// Publish implements api.DeploymentPublisher: extract the image, persist a
// registry record, bind its address, and start accepting. Any failure
// after materialization rolls back the partial state.
func (d *Daemon) Publish(name string, imageStream io.Reader) (registry.Deployment, error) {
	if _, err := d.reg.Lookup(name); err == nil {
		return registry.Deployment{}, fmt.Errorf("%w: %s", registry.ErrAlreadyExists, name)
	}

	rootfsPath := filepath.Join(d.imagesDir, name, "rootfs")

	result, err := faasimage.Materialize(d.logger, imageStream, rootfsPath)
	if err != nil {
		return registry.Deployment{}, err
	}

	dep, err := d.reg.Create(name, result.RootfsPath, result.Command)
	if err != nil {
		if rmErr := os.RemoveAll(rootfsPath); rmErr != nil {
			d.logger.Warn("failed to roll back materialized rootfs after registry create failure", "name", name, "err", rmErr)
		}
		return registry.Deployment{}, err
	}

	ctx := context.Background()
	if err := d.bindAndListen(ctx, dep); err != nil {
		if removeErr := d.reg.Remove(name); removeErr != nil {
			d.logger.Warn("failed to roll back registry record after bind failure", "name", name, "err", removeErr)
		}
		if rmErr := os.RemoveAll(rootfsPath); rmErr != nil {
			d.logger.Warn("failed to roll back materialized rootfs after bind failure", "name", name, "err", rmErr)
		}
		return registry.Deployment{}, fmt.Errorf("bind deployment %s: %w", name, err)
	}

	return dep, nil
}

// Lookup implements api.DeploymentPublisher.
func (d *Daemon) Lookup(name string) (registry.Deployment, error) {
	return d.reg.Lookup(name)
}

// List implements api.DeploymentPublisher.
func (d *Daemon) List() []registry.Deployment {
	return d.reg.List()
}

func (d *Daemon) bindAndListen(ctx context.Context, dep registry.Deployment) error {
	if err := d.binder.BindAddress(ctx, dep.Address, addressPrefixLen); err != nil {
		return fmt.Errorf("bind address %s: %w", dep.Address, err)
	}
	if err := d.listeners.AddListener(dep.Name, dep.Address, registry.FunctionPort); err != nil {
		if unbindErr := d.binder.UnbindAddress(ctx, dep.Address, addressPrefixLen); unbindErr != nil {
			d.logger.Warn("failed to roll back bound address after listener failure",
				"name", dep.Name, "address", dep.Address, "err", unbindErr)
		}
		return fmt.Errorf("add listener for %s: %w", dep.Name, err)
	}
	return nil
}

// dispatch is the listener.Handler invoked per accepted connection. It
// tracks its own execution in d.inFlight so Shutdown can drain in-flight
// supervisors, and runs against d.requestCtx so a shutdown that outlasts the
// drain deadline forces the container to terminate.
func (d *Daemon) dispatch(deploymentName string, fd int) {
	atomic.AddInt64(&d.inFlight, 1)
	defer atomic.AddInt64(&d.inFlight, -1)

	dep, err := d.reg.Lookup(deploymentName)
	if err != nil {
		d.logger.Error("dispatch: deployment vanished from registry", "name", deploymentName, "err", err)
		unix.Close(fd)
		return
	}

	err = d.supervisor.Handle(d.requestCtx, fd, supervisor.Deployment{
		Name:       dep.Name,
		RootfsPath: dep.RootfsPath,
		Command:    dep.Command,
	})
	if err != nil {
		d.logger.Error("request handling failed", "name", deploymentName, "err", err)
	}
}

func (d *Daemon) onListenerDegraded(deploymentName string, err error) {
	d.logger.Error("listener degraded, marking deployment", "name", deploymentName, "err", err)
	if markErr := d.reg.MarkDegraded(deploymentName, true); markErr != nil {
		d.logger.Warn("failed to mark deployment degraded", "name", deploymentName, "err", markErr)
	}
}

func bundleResources(cfg *config.Config) bundle.Resources {
	return bundle.Resources{
		MemoryLimitBytes: cfg.Resources.MemoryBytes(),
		CPUQuota:         cfg.Resources.CPUQuota,
		CPUPeriod:        cfg.Resources.CPUPeriod,
	}
}
