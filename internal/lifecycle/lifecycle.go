// Package lifecycle wires startup privilege checks, address plumbing, and
// graceful shutdown draining around the rest of the daemon's components.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrInsufficientPrivilege is returned when the process's effective UID is
// not root: configuring addresses, spawning runc, and passing file
// descriptors all require it.
var ErrInsufficientPrivilege = errors.New("lifecycle: insufficient privilege, must run as root")

// CheckPrivilege verifies the process can perform the privileged operations
// the daemon needs.
func CheckPrivilege() error {
	if unix.Geteuid() != 0 {
		return ErrInsufficientPrivilege
	}
	return nil
}

// Binder plumbs and unplumbs host addresses via the `ip` CLI, scoping its
// own work with a project-specific label so shutdown never removes an
// operator-added address.
type Binder struct {
	Interface string
	Label     string

	mu    sync.Mutex
	added map[string]bool
}

// NewBinder returns a Binder for the given host interface and address
// label.
func NewBinder(iface, label string) *Binder {
	return &Binder{Interface: iface, Label: label, added: map[string]bool{}}
}

// BindAddress adds address/prefixLen to the configured interface, tagged
// with the binder's label. Adding an address that is already present is not
// an error.
func (b *Binder) BindAddress(ctx context.Context, address string, prefixLen int) error {
	cmd := exec.CommandContext(ctx, "ip", "addr", "add",
		fmt.Sprintf("%s/%d", address, prefixLen), "dev", b.Interface, "label", b.Interface+":"+b.Label)
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(out), "File exists") {
		return fmt.Errorf("bind address %s: %w: %s", address, err, out)
	}

	b.mu.Lock()
	b.added[address] = true
	b.mu.Unlock()

	return nil
}

// UnbindAddress removes address/prefixLen from the interface.
func (b *Binder) UnbindAddress(ctx context.Context, address string, prefixLen int) error {
	cmd := exec.CommandContext(ctx, "ip", "addr", "del",
		fmt.Sprintf("%s/%d", address, prefixLen), "dev", b.Interface)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("unbind address %s: %w: %s", address, err, out)
	}

	b.mu.Lock()
	delete(b.added, address)
	b.mu.Unlock()

	return nil
}

// LabeledAddresses returns every address currently configured on the
// interface under this binder's label, by parsing `ip addr show`. This
// covers addresses left over from a prior process instance, not just ones
// this Binder itself added.
func (b *Binder) LabeledAddresses(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "ip", "addr", "show", "dev", b.Interface)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("list addresses on %s: %w: %s", b.Interface, err, out)
	}

	re := regexp.MustCompile(`inet\s+(\S+)/\d+.*` + regexp.QuoteMeta(b.Interface+":"+b.Label))
	var addrs []string
	for _, line := range strings.Split(string(out), "\n") {
		if m := re.FindStringSubmatch(line); m != nil {
			addrs = append(addrs, strings.SplitN(m[1], "/", 2)[0])
		}
	}
	return addrs, nil
}

// UnbindAllLabeled removes every address currently bearing this binder's
// label, whether or not this process instance added it — covering
// best-effort cleanup of a stale prior run.
func (b *Binder) UnbindAllLabeled(ctx context.Context, prefixLen int) error {
	addrs, err := b.LabeledAddresses(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, addr := range addrs {
		if err := b.UnbindAddress(ctx, addr, prefixLen); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReconcileStaleBundles removes leftover bundle directories and orphaned
// rendezvous sockets found under runDir/bundlesDir from a prior, uncleanly
// terminated run.
func ReconcileStaleBundles(logger *slog.Logger, bundlesDir, runDir string) error {
	for _, dir := range []string{bundlesDir, runDir} {
		matches, err := filepath.Glob(filepath.Join(dir, "*"))
		if err != nil {
			return fmt.Errorf("scan %s for stale entries: %w", dir, err)
		}
		for _, m := range matches {
			logger.Warn("removing stale entry from prior run", "path", m)
			if err := os.RemoveAll(m); err != nil {
				logger.Warn("failed to remove stale entry", "path", m, "err", err)
			}
		}
	}
	return nil
}

// Drain waits up to deadline for inFlight to drop to zero, polling
// interval at a time. It returns false if the deadline elapses first,
// meaning the caller should proceed to force-kill remaining supervisors.
func Drain(ctx context.Context, deadline, interval time.Duration, inFlight func() int) bool {
	timeout := time.After(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if inFlight() == 0 {
			return true
		}
		select {
		case <-timeout:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
