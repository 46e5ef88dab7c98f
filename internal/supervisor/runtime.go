package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Runtime is the subset of runc's CLI surface the Supervisor drives. It is
// an interface so tests can substitute a fake without invoking a real OCI
// runtime.
type Runtime interface {
	// Run launches the bundle at bundleDir under containerID, non-blocking:
	// it returns once the subprocess has started, not once it exits.
	// Standard error/out are captured and returned by Wait.
	Run(ctx context.Context, containerID, bundleDir string) (RunHandle, error)
	// Kill sends a forceful termination signal to a running container.
	Kill(ctx context.Context, containerID string) error
	// Delete removes the container's runtime record. It must succeed even
	// if the container was never started or has already exited.
	Delete(ctx context.Context, containerID string) error
}

// RunHandle represents a launched runc subprocess.
type RunHandle interface {
	// Wait blocks until the subprocess exits or ctx is done, whichever
	// comes first. It returns the captured combined diagnostic output
	// alongside any error.
	Wait(ctx context.Context) (diagnostics string, err error)
}

// RuncRuntime shells out to the real runc binary, exactly as the reference
// control plane's request handler does.
type RuncRuntime struct {
	RuncPath string
}

// NewRuncRuntime returns a Runtime backed by the runc binary at path.
func NewRuncRuntime(path string) *RuncRuntime {
	return &RuncRuntime{RuncPath: path}
}

type runcHandle struct {
	cmd    *exec.Cmd
	output *outputBuffer
}

func (r *RuncRuntime) Run(ctx context.Context, containerID, bundleDir string) (RunHandle, error) {
	cmd := exec.CommandContext(ctx, r.RuncPath, "run", containerID)
	cmd.Dir = bundleDir

	out := newOutputBuffer()
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runc run %s: %w", containerID, err)
	}

	return &runcHandle{cmd: cmd, output: out}, nil
}

func (h *runcHandle) Wait(ctx context.Context) (string, error) {
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case err := <-done:
		return h.output.String(), err
	case <-ctx.Done():
		return h.output.String(), ctx.Err()
	}
}

func (r *RuncRuntime) Kill(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.RuncPath, "kill", containerID, "KILL")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runc kill %s: %w", containerID, err)
	}
	return nil
}

func (r *RuncRuntime) Delete(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(ctx, r.RuncPath, "delete", "--force", containerID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("runc delete %s: %w", containerID, err)
	}
	return nil
}

// deleteWithTimeout runs Delete with its own bounded context so a hung
// runtime binary can never keep Handle from reaching Cleaned.
func deleteWithTimeout(ctx context.Context, rt Runtime, containerID string, timeout time.Duration) error {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rt.Delete(dctx, containerID)
}
