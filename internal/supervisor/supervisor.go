// Package supervisor drives the per-request container lifecycle: build a
// bundle, launch runc, rendezvous with the container over a Unix socket,
// hand off the client file descriptor, and guarantee cleanup no matter how
// the request ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/faasd/internal/bundle"
	"github.com/p-arndt/faasd/internal/fdchannel"
)

// State names the point Handle reached in the nine-step lifecycle. It exists
// for logging and tests, not for external control.
type State string

const (
	StateCreated     State = "created"
	StateBundleReady State = "bundle_ready"
	StateLaunched    State = "launched"
	StateConnected   State = "connected"
	StateTransferred State = "transferred"
	StateExited      State = "exited"
	StateKilled      State = "killed"
	StateCleaned     State = "cleaned"
)

// Sentinel errors.
var (
	ErrTimeout       = errors.New("supervisor: operation timed out")
	ErrHandoff       = errors.New("supervisor: fd handoff failed")
	ErrRuntimeLaunch = errors.New("supervisor: runtime failed to launch")
)

// Deployment is the subset of registry.Deployment a Supervisor needs to
// launch a container. Declared locally to keep this package independent of
// the registry's persistence concerns.
type Deployment struct {
	Name       string
	RootfsPath string
	Command    []string
}

// Config bounds the deadlines and resource caps every Handle invocation
// uses.
type Config struct {
	BundlesDir     string
	RunDir         string
	RendezvousWait time.Duration
	RuncExitWait   time.Duration
	Resources      bundle.Resources
}

// Supervisor runs Handle invocations against a single Runtime.
type Supervisor struct {
	cfg    Config
	rt     Runtime
	logger *slog.Logger
}

// New returns a Supervisor bound to rt.
func New(cfg Config, rt Runtime, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, rt: rt, logger: logger}
}

// Handle runs the full per-request lifecycle for one accepted client
// connection against deployment. clientFD is the file descriptor of the
// already-accepted client socket; Handle takes ownership of it and closes
// its own reference on every exit path (after the handoff, the container
// holds its own copy).
func (s *Supervisor) Handle(ctx context.Context, clientFD int, dep Deployment) error {
	containerID := fmt.Sprintf("faas-%s", uuid.NewString())
	log := s.logger.With("container_id", containerID, "deployment", dep.Name)
	state := StateCreated

	sockPath := filepath.Join(s.cfg.RunDir, containerID+".sock")
	ch, err := fdchannel.Prepare(sockPath)
	if err != nil {
		unixCloseFD(clientFD)
		return fmt.Errorf("prepare rendezvous socket: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Warn("failed to close rendezvous channel", "err", err)
		}
	}()

	b, err := bundle.Build(s.cfg.BundlesDir, containerID, dep.RootfsPath, sockPath, dep.Command, s.cfg.Resources)
	if err != nil {
		unixCloseFD(clientFD)
		return fmt.Errorf("build bundle: %w", err)
	}
	defer func() {
		if err := bundle.Remove(b); err != nil {
			log.Warn("failed to remove bundle", "err", err)
		}
	}()
	state = StateBundleReady

	handle, err := s.rt.Run(ctx, b.ContainerID, b.Dir)
	if err != nil {
		unixCloseFD(clientFD)
		deleteWithTimeout(context.Background(), s.rt, b.ContainerID, s.cfg.RuncExitWait)
		return fmt.Errorf("%w: %v", ErrRuntimeLaunch, err)
	}
	state = StateLaunched

	waitDone := make(chan struct{})
	var diagnostics string
	var waitErr error
	go func() {
		diagnostics, waitErr = handle.Wait(ctx)
		close(waitDone)
	}()

	if err := ch.Transfer(s.cfg.RendezvousWait, clientFD); err != nil {
		unixCloseFD(clientFD)
		if errors.Is(err, fdchannel.ErrTimeout) {
			log.Error("container never connected to rendezvous socket, killing", "err", err)
			state = StateKilled
		} else {
			log.Error("fd handoff failed", "err", err)
			state = StateKilled
		}
		s.killAndReap(b.ContainerID, waitDone, &diagnostics)
		log.Warn("runc diagnostics", "output", diagnostics)
		if delErr := deleteWithTimeout(context.Background(), s.rt, b.ContainerID, s.cfg.RuncExitWait); delErr != nil {
			log.Warn("runtime delete failed", "err", delErr)
		}
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}
	unixCloseFD(clientFD)
	state = StateTransferred

	select {
	case <-waitDone:
		if waitErr != nil {
			log.Warn("container exited with error", "err", waitErr, "diagnostics", diagnostics)
		}
		state = StateExited
	case <-ctx.Done():
		log.Warn("shutdown requested, forcing container termination")
		state = StateKilled
		if err := s.rt.Kill(context.Background(), b.ContainerID); err != nil {
			log.Warn("kill failed", "err", err)
		}
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
		}
	case <-time.After(s.cfg.RuncExitWait):
		log.Error("container exceeded exit deadline, forcing termination")
		state = StateKilled
		if err := s.rt.Kill(context.Background(), b.ContainerID); err != nil {
			log.Warn("kill failed", "err", err)
		}
		select {
		case <-waitDone:
			log.Warn("runc diagnostics", "output", diagnostics)
		case <-time.After(2 * time.Second):
		}
	}

	if err := deleteWithTimeout(context.Background(), s.rt, b.ContainerID, s.cfg.RuncExitWait); err != nil {
		log.Warn("runtime delete failed", "err", err)
	}

	log.Debug("handle reached terminal state", "final_state", state)
	return nil
}

// killAndReap forces termination of a launched-but-unreachable container and
// waits briefly for its exit before the caller proceeds to delete. It uses
// its own background context so a caller whose request context is already
// cancelled (e.g. during shutdown drain) still gets the container killed.
func (s *Supervisor) killAndReap(containerID string, waitDone <-chan struct{}, diagnostics *string) {
	if err := s.rt.Kill(context.Background(), containerID); err != nil {
		s.logger.Warn("kill failed", "container_id", containerID, "err", err)
	}
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
	}
}
